package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CustomerDataTool looks up a farmer's account record on an HTTP data service.
type CustomerDataTool struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewCustomerDataTool(baseURL string, client *http.Client) *CustomerDataTool {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CustomerDataTool{baseURL: strings.TrimSpace(baseURL), client: client, now: time.Now}
}

func (c *CustomerDataTool) Name() string { return NameData }

func (c *CustomerDataTool) Call(ctx context.Context, p Params) (Result, error) {
	id, err := required(NameData, p, "customer_id")
	if err != nil {
		return Result{}, err
	}
	if c.baseURL == "" {
		return Result{}, toolErr(NameData, CodeNotConfigured, false, fmt.Errorf("CUSTOMER_DATA_URL is not set"))
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Result{}, toolErr(NameData, CodeNotConfigured, false, err)
	}
	q := u.Query()
	q.Set("customer_id", id)
	u.RawQuery = q.Encode()

	var record map[string]any
	if err := getJSON(ctx, c.client, NameData, u.String(), &record); err != nil {
		return Result{}, err
	}
	return Result{
		Tool:      NameData,
		Summary:   fmt.Sprintf("Account record for customer %s has %d fields.", id, len(record)),
		Data:      record,
		FetchedAt: c.now().UTC(),
	}, nil
}
