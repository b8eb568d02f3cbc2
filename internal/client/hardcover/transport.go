package hardcover

import (
	"context"
	"fmt"
	"net/http"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/logger"
)

const graphqlEndpoint = "https://api.hardcover.app/v1/graphql"

// headerAddingTransport injects the bearer token on every request and
// records the last response's status code so execute can classify GraphQL
// transport errors the gqlClient library itself doesn't distinguish.
type headerAddingTransport struct {
	token      string
	rt         http.RoundTripper
	lastStatus *int
}

func (h *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := h.rt.RoundTrip(req)
	if resp != nil {
		*h.lastStatus = resp.StatusCode
	}
	return resp, err
}

// transport executes GraphQL operations against Hardcover through
// hasura/go-graphql-client, adapted from the teacher's gqlClient
// construction (internal/api/hardcover/client.go) -- the teacher wires the
// same library through an auth-header RoundTripper but then hand-rolls its
// own request loop; here the library actually does the request/response
// marshaling and the retry wrapper around it is what the teacher's
// executeGraphQLOperation contributes.
type transport struct {
	token      string
	gql        *graphql.Client
	lastStatus int
	limiter    *client.RateLimiter
	logger     *logger.Logger
	maxRetries int
	retryDelay time.Duration
}

func newTransport(token string, log *logger.Logger) *transport {
	t := &transport{
		token:      token,
		limiter:    client.NewRateLimiter(client.DefaultRate, client.DefaultBurst, log),
		logger:     log,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	authClient := &http.Client{
		Timeout: 20 * time.Second,
		Transport: &headerAddingTransport{
			token:      token,
			rt:         http.DefaultTransport,
			lastStatus: &t.lastStatus,
		},
	}
	t.gql = graphql.NewClient(graphqlEndpoint, authClient)
	return t
}

func (t *transport) execute(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return apperrors.New(apperrors.Transient, err)
		}

		err := t.doOnce(ctx, query, variables, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}

		t.limiter.OnTransientFailure()
		select {
		case <-ctx.Done():
			return apperrors.New(apperrors.Transient, ctx.Err())
		case <-time.After(t.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

func retryable(err error) bool {
	return apperrors.Is(err, apperrors.Transient)
}

func (t *transport) doOnce(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	err := t.gql.Exec(ctx, query, out, variables)
	switch {
	case err == nil:
		return nil
	case t.lastStatus == http.StatusUnauthorized || t.lastStatus == http.StatusForbidden:
		return apperrors.New(apperrors.Unauthorized, fmt.Errorf("hardcover auth rejected: %w", err))
	case t.lastStatus == http.StatusTooManyRequests || t.lastStatus >= 500:
		return apperrors.New(apperrors.Transient, fmt.Errorf("hardcover status %d: %w", t.lastStatus, err))
	case t.lastStatus >= 400:
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover status %d: %w", t.lastStatus, err))
	default:
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover graphql error: %w", err))
	}
}
