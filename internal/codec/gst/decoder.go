// Package gst provides an optional reference decoder for the harbor input,
// built on GStreamer: appsrc (fed by the socket) -> decodebin -> audioconvert
// -> audioresample -> appsink (drained into the harbor buffer). It registers
// itself under the "gst-auto" codec name on import.
package gst

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/dhannyz/liquidsoap/internal/harbor"
)

const codecName = "gst-auto"

func init() {
	harbor.RegisterDecoder(codecName, Decode)
}

// readChunkBytes is how much the feeding goroutine asks sink.Read for on
// each iteration; decodebin buffers internally so this need not line up
// with any frame boundary.
const readChunkBytes = 4096

// Decode wires an appsrc/decodebin/appsink pipeline around sink: bytes read
// from sink.Read are pushed into appsrc, decodebin auto-detects the codec
// and negotiates a decoder, and decoded PCM pulled from appsink is handed
// to sink.Put. It runs until sink.Read reports end of file, sink.Closed
// reports true, or the pipeline reports an unrecoverable error.
func Decode(sink harbor.Sink) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gst: create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	src, err := app.NewAppSrc()
	if err != nil {
		return fmt.Errorf("gst: create appsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("format", gst.FormatBytes)

	decodebin, err := gst.NewElement("decodebin")
	if err != nil {
		return fmt.Errorf("gst: create decodebin: %w", err)
	}

	audioconvert, err := gst.NewElement("audioconvert")
	if err != nil {
		return fmt.Errorf("gst: create audioconvert: %w", err)
	}
	audioresample, err := gst.NewElement("audioresample")
	if err != nil {
		return fmt.Errorf("gst: create audioresample: %w", err)
	}

	sink_, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gst: create appsink: %w", err)
	}
	sink_.SetProperty("sync", false)

	pipeline.AddMany(src.Element, decodebin, audioconvert, audioresample, sink_.Element)
	if err := src.Element.Link(decodebin); err != nil {
		return fmt.Errorf("gst: link appsrc to decodebin: %w", err)
	}
	if err := gst.ElementLinkMany(audioconvert, audioresample, sink_.Element); err != nil {
		return fmt.Errorf("gst: link audioconvert chain: %w", err)
	}

	decodebin.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		onPadAdded(self, pad, audioconvert)
	})

	sampleRate := 44100
	sink_.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return onNewSample(s, sink, &sampleRate)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gst: set pipeline playing: %w", err)
	}

	return feed(src, sink)
}

// feed reads from sink until EOF or the sink reports closed, pushing every
// chunk into appsrc, then signals end-of-stream.
func feed(src *app.Source, sink harbor.Sink) error {
	for {
		if sink.Closed() {
			src.EndStream()
			return nil
		}
		data, err := sink.Read(readChunkBytes)
		if err != nil {
			src.EndStream()
			if errors.Is(err, harbor.ErrEndOfFile) {
				return nil
			}
			return err
		}
		buf := gst.NewBufferFromBytes(data)
		if ret := src.PushBuffer(buf); ret != gst.FlowOK {
			slog.Warn("gst: appsrc push-buffer returned non-OK flow", "ret", ret)
		}
	}
}

// onPadAdded links decodebin's dynamically created source pad to
// audioconvert's sink pad, mirroring the rtspsrc pad-added idiom: decodebin
// doesn't know its output caps until it has sniffed the stream, so the
// downstream link can only be made once the pad actually appears.
func onPadAdded(_ *gst.Element, srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gst: audioconvert has no sink pad")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gst: failed to link decodebin pad", "pad", srcPad.GetName(), "ret", ret)
		return
	}
	slog.Debug("gst: decodebin pad linked", "pad", srcPad.GetName())
}

// onNewSample pulls one decoded sample off appsink, maps its buffer, and
// forwards the raw PCM bytes to the harbor sink.
func onNewSample(s *app.Sink, sink harbor.Sink, sampleRate *int) gst.FlowReturn {
	sample := s.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	if caps := sample.GetCaps(); caps != nil {
		if v, err := caps.GetStructureAt(0).GetValue("rate"); err == nil {
			if rate, ok := v.(int); ok {
				*sampleRate = rate
			}
		}
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	pcm := make([]byte, len(data))
	copy(pcm, data)
	buffer.Unmap()

	if err := sink.Put(*sampleRate, pcm); err != nil {
		slog.Warn("gst: sink.Put failed, stopping pipeline", "error", err)
		return gst.FlowError
	}
	return gst.FlowOK
}
