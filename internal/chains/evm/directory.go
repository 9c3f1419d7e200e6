package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pendergraft/phoneverify/internal/faults"
)

// Claim types read from issuer metadata.
const (
	claimServiceURL = "ATTESTATION_SERVICE_URL"
	claimName       = "NAME"
)

// Service describes an issuer's attestation service.
type Service struct {
	URL     string
	Version string
	Name    string
}

// Directory resolves an issuer's published metadata to its attestation service.
type Directory interface {
	Lookup(ctx context.Context, metadataURL string) (Service, error)
}

// HTTPDirectory fetches issuer metadata and the service status over HTTP.
type HTTPDirectory struct {
	client *http.Client
}

// NewHTTPDirectory creates a directory with the given per-request timeout.
func NewHTTPDirectory(timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{client: &http.Client{Timeout: timeout}}
}

type metadataDoc struct {
	Claims []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
		Name string `json:"name"`
	} `json:"claims"`
}

type statusDoc struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Lookup returns the service named by the metadata. A missing status
// endpoint leaves Version empty rather than failing.
func (d *HTTPDirectory) Lookup(ctx context.Context, metadataURL string) (Service, error) {
	if metadataURL == "" {
		return Service{}, faults.Coded(faults.KindProtocol, "directory.lookup", "no_metadata", fmt.Errorf("issuer has no metadata URL"))
	}
	var doc metadataDoc
	if err := d.getJSON(ctx, metadataURL, &doc); err != nil {
		return Service{}, err
	}

	var svc Service
	for _, c := range doc.Claims {
		switch c.Type {
		case claimServiceURL:
			svc.URL = strings.TrimRight(c.URL, "/")
		case claimName:
			svc.Name = c.Name
		}
	}
	if svc.URL == "" {
		return Service{}, faults.Coded(faults.KindProtocol, "directory.lookup", "no_service_url", fmt.Errorf("metadata %s has no attestation service claim", metadataURL))
	}

	var status statusDoc
	if err := d.getJSON(ctx, svc.URL+"/status", &status); err == nil {
		svc.Version = status.Version
	}
	return svc, nil
}

func (d *HTTPDirectory) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return faults.Protocol("directory.get", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return faults.Network("directory.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return faults.Network("directory.get", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return faults.Protocol("directory.get", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Protocol("directory.decode", err)
	}
	return nil
}
