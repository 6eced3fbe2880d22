package telemetryhttp

import (
	"context"
	"net/http"

	"github.com/dhannyz/liquidsoap/internal/harbor"
)

func contextWithSource(req *http.Request, s *harbor.Source) context.Context {
	return context.WithValue(req.Context(), sourceKey, s)
}

func source(req *http.Request) *harbor.Source {
	return req.Context().Value(sourceKey).(*harbor.Source)
}
