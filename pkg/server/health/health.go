// Package health contains the readiness endpoint of the subsetting service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

const (
	Serving    = "SERVING"
	NotServing = "NOT_SERVING"
)

type Response struct {
	Status string `json:"status"`
}

// Checker answers health checks with SERVING while its target is ready and NOT_SERVING with
// status 503 otherwise.
type Checker struct {
	TargetService
}

func (o *Checker) Check(ctx context.Context) Response {
	ready, err := o.IsReady(ctx)
	if err != nil || !ready {
		return Response{Status: NotServing}
	}
	return Response{Status: Serving}
}

func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := o.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if res.Status != Serving {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(res)
}
