package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/screencapture/internal/capture"
	"github.com/dgnsrekt/screencapture/internal/config"
	"github.com/dgnsrekt/screencapture/internal/relay"
)

func registerCaptureHandlers(api huma.API, d Deps) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type screenshotOutput struct {
		Body struct {
			Image string `json:"image" doc:"Captured frame as a base64 data URL"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "take-screenshot", Method: http.MethodPost, Path: "/api/v1/screenshots", Summary: "Capture a frame and return it inline", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Encoding string  `json:"encoding,omitempty" doc:"Image encoding: png (default), jpg or webp" enum:"png,jpg,webp"`
				Quality  float64 `json:"quality,omitempty" doc:"Encoding quality in [0, 1]; 0 means the 0.7 default"`
				WaitMS   int     `json:"wait_ms,omitempty" doc:"How long to wait for the frame before giving up"`
			}
		}) (*screenshotOutput, error) {
			fut, err := d.Broker.RequestScreenshot(relay.ScreenshotRequest{
				Encoding: capture.Encoding(input.Body.Encoding),
				Quality:  input.Body.Quality,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			image, err := awaitFuture(ctx, fut, waitTimeout(input.Body.WaitMS, d.WaitTimeout))
			if err != nil {
				return nil, mapErr(err)
			}
			out := &screenshotOutput{}
			out.Body.Image = image
			return out, nil
		})

	type captureInput struct {
		Body struct {
			URL       string            `json:"url,omitempty" doc:"Destination recorded with the issued token"`
			Profile   string            `json:"profile,omitempty" doc:"Named capture profile to apply"`
			Encoding  string            `json:"encoding,omitempty" enum:"png,jpg,webp"`
			Quality   float64           `json:"quality,omitempty"`
			FormField string            `json:"form_field,omitempty" doc:"Multipart field name, default \"file\""`
			DataType  string            `json:"data_type,omitempty" enum:"blob,base64"`
			Headers   map[string]string `json:"headers,omitempty" doc:"Extra headers the renderer sends with the upload"`
			Async     bool              `json:"async,omitempty" doc:"Return immediately with the correlation ID"`
			WaitMS    int               `json:"wait_ms,omitempty"`
		}
	}
	type captureOutput struct {
		Body struct {
			CorrelationID string                  `json:"correlation_id"`
			Upload        *capture.UploadResponse `json:"upload,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "capture-and-upload", Method: http.MethodPost, Path: "/api/v1/captures", Summary: "Capture a frame and upload it through a single-use token", Tags: []string{"Capture"}},
		func(ctx context.Context, input *captureInput) (*captureOutput, error) {
			url := input.Body.URL
			opts := &relay.UploadOptions{
				Encoding:  capture.Encoding(input.Body.Encoding),
				Quality:   input.Body.Quality,
				FormField: input.Body.FormField,
				DataType:  capture.DataType(input.Body.DataType),
				Headers:   input.Body.Headers,
			}
			if input.Body.Profile != "" {
				p := findProfile(d.Profiles, input.Body.Profile)
				if p == nil {
					return nil, huma.Error404NotFound("unknown capture profile: " + input.Body.Profile)
				}
				url, opts = applyProfile(p, url, opts)
			}

			id, fut, err := d.Broker.RequestUpload(url, opts)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &captureOutput{}
			out.Body.CorrelationID = id
			if input.Body.Async {
				return out, nil
			}
			resp, err := awaitFuture(ctx, fut, waitTimeout(input.Body.WaitMS, d.WaitTimeout))
			if err != nil {
				return nil, mapErr(err)
			}
			out.Body.Upload = &resp
			return out, nil
		})

	type serverCaptureOutput struct {
		Body struct {
			CorrelationID string `json:"correlation_id"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "request-capture", Method: http.MethodPost, Path: "/api/v1/captures/push", Summary: "Push a capture instruction with a pre-issued token", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Encoding string            `json:"encoding,omitempty" enum:"png,jpg,webp"`
				Quality  float64           `json:"quality,omitempty"`
				DataType string            `json:"data_type,omitempty" enum:"blob,base64"`
				Headers  map[string]string `json:"headers,omitempty"`
			}
		}) (*serverCaptureOutput, error) {
			id, err := d.Authority.CaptureScreen(capture.Options{
				Encoding: capture.Encoding(input.Body.Encoding),
				Quality:  input.Body.Quality,
				Headers:  input.Body.Headers,
			}, capture.DataType(input.Body.DataType))
			if err != nil {
				return nil, mapErr(err)
			}
			out := &serverCaptureOutput{}
			out.Body.CorrelationID = id
			return out, nil
		})

	type statsOutput struct {
		Body struct {
			relay.Stats
			ActiveTokens int `json:"active_tokens"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Pending-request and token counters", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			out := &statsOutput{}
			out.Body.Stats = d.Broker.Stats()
			out.Body.ActiveTokens = d.Authority.ActiveTokens()
			return out, nil
		})
}

// awaitFuture waits for a correlated completion. A closed channel means the
// pending entry expired before its completion arrived.
func awaitFuture[T any](ctx context.Context, fut <-chan T, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-fut:
		if !ok {
			return zero, capture.NewError(capture.CodeTimeout, "pending capture expired before completion", nil)
		}
		return v, nil
	case <-timer.C:
		return zero, capture.NewError(capture.CodeTimeout, "timed out waiting for capture completion", nil)
	case <-ctx.Done():
		return zero, capture.NewError(capture.CodeTimeout, "request cancelled while waiting for capture", ctx.Err())
	}
}

func waitTimeout(waitMS int, def time.Duration) time.Duration {
	if waitMS > 0 {
		return time.Duration(waitMS) * time.Millisecond
	}
	return def
}

func findProfile(cfg *config.ProfilesConfig, name string) *config.Profile {
	if cfg == nil {
		return nil
	}
	return cfg.Find(name)
}

// applyProfile fills unset request fields from a named profile. Explicit
// request values win over the profile.
func applyProfile(p *config.Profile, url string, opts *relay.UploadOptions) (string, *relay.UploadOptions) {
	if url == "" {
		url = p.URL
	}
	if opts.Encoding == "" {
		opts.Encoding = capture.Encoding(p.Encoding)
	}
	if opts.Quality == 0 {
		opts.Quality = p.Quality
	}
	if opts.FormField == "" {
		opts.FormField = p.FormField
	}
	if opts.DataType == "" {
		opts.DataType = capture.DataType(p.DataType)
	}
	if len(opts.Headers) == 0 && len(p.Headers) > 0 {
		opts.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			opts.Headers[k] = v
		}
	}
	return url, opts
}
