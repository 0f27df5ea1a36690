package websubsub

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// IDPlaceholder marks where the subscription id goes in a route template.
const IDPlaceholder = "{id}"

// Resolver turns a stable callback identity into the URL handed to the hub.
// It must fail with ErrNotResolvable when the identity no longer maps to an endpoint.
type Resolver interface {
	Resolve(identity, id string) (string, error)
}

// RouteResolver resolves identities through a table of path templates under a site URL.
type RouteResolver struct {
	base   *url.URL
	routes map[string]string
}

// NewRouteResolver creates a RouteResolver. Each template must contain IDPlaceholder exactly once.
func NewRouteResolver(siteURL string, routes map[string]string) (*RouteResolver, error) {
	base, err := url.Parse(siteURL)

	if err != nil {
		return nil, errors.Wrap(err, "parse site url")
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("site url %q must be absolute", siteURL)
	}

	copied := make(map[string]string, len(routes))

	for identity, template := range routes {
		if strings.Count(template, IDPlaceholder) != 1 {
			return nil, errors.Errorf("route %q: template %q must contain %s once", identity, template, IDPlaceholder)
		}

		copied[identity] = template
	}

	return &RouteResolver{base: base, routes: copied}, nil
}

// Resolve builds the absolute callback URL for identity and subscription id.
func (r *RouteResolver) Resolve(identity, id string) (string, error) {
	template, ok := r.routes[identity]

	if !ok {
		return "", errors.Wrapf(ErrNotResolvable, "no route named %q", identity)
	}

	path := strings.Replace(template, IDPlaceholder, url.PathEscape(id), 1)

	ref, err := url.Parse(path)

	if err != nil {
		return "", errors.Wrapf(ErrNotResolvable, "route %q: %v", identity, err)
	}

	return r.base.ResolveReference(ref).String(), nil
}

// Routes returns the identity to template table.
func (r *RouteResolver) Routes() map[string]string {
	ret := make(map[string]string, len(r.routes))

	for k, v := range r.routes {
		ret[k] = v
	}

	return ret
}
