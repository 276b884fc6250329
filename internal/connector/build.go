package connector

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/leads-cli/internal/config"
	"github.com/sells-group/leads-cli/internal/fetcher"
	"github.com/sells-group/leads-cli/internal/resilience"
)

// Connector types accepted in configuration.
const (
	TypeStubJSON = "stub_json"
	TypeRESO     = "reso"
	TypeFeed     = "feed"
)

// Build creates a registry from connector configuration. Disabled entries
// are skipped.
func Build(cfgs []config.ConnectorConfig, retry resilience.RetryConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, cc := range cfgs {
		if cc.Disabled {
			continue
		}
		c, err := build(cc, retry)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func build(cc config.ConnectorConfig, retry resilience.RetryConfig) (Connector, error) {
	httpOpts := fetcher.HTTPOptions{
		RatePerSecond: cc.RateRPS,
		Retry:         retry,
	}
	if cc.Token != "" {
		httpOpts.Headers = map[string]string{
			"Authorization": "Bearer " + cc.Token,
			"Accept":        "application/json",
		}
	}

	switch cc.Type {
	case TypeStubJSON:
		if cc.Path == "" {
			return nil, eris.Errorf("connector: %s: path is required", cc.Name)
		}
		return NewStubJSON(cc.Name, cc.Path), nil
	case TypeRESO:
		if cc.BaseURL == "" {
			return nil, eris.Errorf("connector: %s: base_url is required", cc.Name)
		}
		return NewRESO(cc.Name, RESOOptions{BaseURL: cc.BaseURL, PageSize: cc.PageSize}, fetcher.NewHTTPFetcher(httpOpts)), nil
	case TypeFeed:
		location := cc.Path
		if location == "" {
			location = cc.BaseURL
		}
		if location == "" {
			return nil, eris.Errorf("connector: %s: path or base_url is required", cc.Name)
		}
		opener := fetcher.NewOpener()
		opener.HTTP = fetcher.NewHTTPFetcher(httpOpts)
		return NewFeed(cc.Name, location, cc.Format, cc.Columns, opener), nil
	default:
		return nil, eris.Errorf("connector: %s: unknown type %q", cc.Name, cc.Type)
	}
}
