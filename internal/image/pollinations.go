package image

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/samber/do"
)

var errEmptyBody = errors.New("empty image body")

type PollinationsClient struct {
	Client  *http.Client
	BaseURL string
	Token   string
}

func NewPollinationsClient(i *do.Injector) (*PollinationsClient, error) {
	return &PollinationsClient{
		Client:  do.MustInvoke[*http.Client](i),
		BaseURL: do.MustInvokeNamed[string](i, "image_api_url"),
		Token:   do.MustInvokeNamed[string](i, "image_api_token"),
	}, nil
}

// ImageURL builds GET {base}/prompt/{prompt}?nologo=true&seed={seed}&model={model}.
// The prompt is escaped as a single path segment with reserved characters
// percent-encoded and spaces as %20.
func (c *PollinationsClient) ImageURL(params Params) string {
	query := url.Values{}
	query.Set("nologo", "true")
	query.Set("seed", strconv.Itoa(params.Seed))
	query.Set("model", params.Model)
	return c.BaseURL + "/prompt/" + escapePrompt(params.Prompt) + "?" + query.Encode()
}

func escapePrompt(prompt string) string {
	return strings.ReplaceAll(url.QueryEscape(prompt), "+", "%20")
}

func (c *PollinationsClient) Generate(ctx context.Context, params Params) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("pollinations").With("seed", params.Seed, "model", params.Model)
	log.Info("requesting image")

	resp, err := c.get(ctx, c.ImageURL(params))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}

	log.Info("received image", "bytes", len(data))
	return data, nil
}

func (c *PollinationsClient) Models(ctx context.Context) ([]string, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("pollinations")
	log.Info("fetching models")

	resp, err := c.get(ctx, c.BaseURL+"/models")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var models []string
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, err
	}
	log.Info("fetched models", "count", len(models))
	return models, nil
}

// get issues the request and turns non-2xx responses into a StatusError.
func (c *PollinationsClient) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return resp, nil
}
