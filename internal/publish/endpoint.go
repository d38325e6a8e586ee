package publish

import (
	"context"

	"github.com/go-kit/kit/endpoint"
)

// makePublishEndpoint wraps Service.Publish as a go-kit endpoint.Endpoint,
// the same indirection tr1d1um's translation.makeTranslationEndpoint uses
// to keep the transport layer decoupled from the concrete service type.
func makePublishEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(Request)
		return s.Publish(ctx, req)
	}
}
