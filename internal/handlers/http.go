package handlers

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
)

// httpConfig bounds the built-in "http" action's request shape.
type httpConfig struct {
	Method  string                 `mapstructure:"method"`
	URL     string                 `mapstructure:"url"`
	Headers map[string]string      `mapstructure:"headers"`
	Body    map[string]interface{} `mapstructure:"body"`
}

// NewHTTPHandler returns the built-in "http" action: it issues a single
// request and reports the response status/body as step output. Connection
// config (base headers, auth) is merged under inline config by the Worker
// before Execute is called, so this handler only needs to read the
// resolved map.
func NewHTTPHandler(client *resty.Client) Handler {
	if client == nil {
		client = resty.New()
	}
	return HandlerFunc(func(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
		cfg, err := decodeHTTPConfig(config)
		if err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("http action: \"url\" is required")
		}
		method := cfg.Method
		if method == "" {
			method = "GET"
		}

		req := client.R().SetContext(ctx).SetHeaders(cfg.Headers)
		if cfg.Body != nil {
			req.SetBody(cfg.Body)
		}

		resp, err := req.Execute(method, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("http action request: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("http action received status %d", resp.StatusCode())
		}

		return map[string]interface{}{
			"status_code": resp.StatusCode(),
			"body":        string(resp.Body()),
		}, nil
	})
}

func decodeHTTPConfig(config map[string]interface{}) (httpConfig, error) {
	var cfg httpConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, fmt.Errorf("building http config decoder: %w", err)
	}
	if err := decoder.Decode(config); err != nil {
		return cfg, fmt.Errorf("decoding http action config: %w", err)
	}
	return cfg, nil
}
