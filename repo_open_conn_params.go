package cable

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type (
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	OpenConnectionParamsGetter func(ctx context.Context) (OpenConnectionParams, error)

	// OpenConnectionParamsRepo yields the URL and headers for the next dial
	// attempt. The getter runs on every attempt, so short-lived credentials
	// can be refreshed between reconnects.
	OpenConnectionParamsRepo struct {
		logger Logger
		getter OpenConnectionParamsGetter
	}
)

func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params: %s", err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger Logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// NewEndpointGetter resolves endpoint into a dialable websocket URL once and
// serves it on every attempt. endpoint may be absolute (ws, wss, http or
// https scheme) or a path relative to origin; http schemes are mapped to
// their websocket counterparts, and a relative path inherits origin's host
// and security level (http pairs with ws, https with wss).
func NewEndpointGetter(
	endpoint, origin string,
	header http.Header,
) (OpenConnectionParamsGetter, error) {
	resolved, err := resolveEndpoint(endpoint, origin)
	if err != nil {
		return nil, err
	}

	params := OpenConnectionParams{URL: *resolved, Header: header}

	return func(_ context.Context) (OpenConnectionParams, error) {
		return params, nil
	}, nil
}

func resolveEndpoint(endpoint, origin string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid endpoint %q", endpoint)
	}

	switch u.Scheme {
	case "ws", "wss":
		return u, nil
	case "http":
		u.Scheme = "ws"
		return u, nil
	case "https":
		u.Scheme = "wss"
		return u, nil
	case "":
		// Relative path, needs an origin to resolve against.
	default:
		return nil, errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	if origin == "" {
		return nil, errors.Errorf("relative endpoint %q requires an origin", endpoint)
	}

	o, err := url.Parse(origin)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid origin %q", origin)
	}

	switch o.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("unsupported origin scheme %q", o.Scheme)
	}
	u.Host = o.Host

	if u.Path != "" && u.Path[0] != '/' {
		u.Path = "/" + u.Path
	}

	return u, nil
}
