package callback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Deliverer POSTs signed payloads to the API's completion endpoint.
type Deliverer struct {
	url    string
	signer *Signer
	client *http.Client
}

func NewDeliverer(baseURL string, signer *Signer, client *http.Client) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Deliverer{
		url:    strings.TrimRight(baseURL, "/") + Path,
		signer: signer,
		client: client,
	}
}

// Deliver returns nil on any 2xx. A bad payload is rejected before sending.
func (d *Deliverer) Deliver(ctx context.Context, body []byte) error {
	p, err := Decode(body)
	if err != nil {
		return err
	}
	token, err := d.signer.Sign(body, p.OrderID)
	if err != nil {
		return errors.Wrap(err, "sign callback")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, token)

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post callback")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback %s: status %d: %s", p.OrderID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
