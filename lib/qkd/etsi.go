// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qkd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/keywarden/lib/secret"
)

// DefaultTimeout bounds one request to the key manager.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a key manager response is read.
const maxResponseSize = 1 << 20

// ETSIConfig configures an ETSIClient.
type ETSIConfig struct {
	// BaseURL is the key manager root, for example
	// "https://kme-1.example.net". Must use HTTPS.
	BaseURL string

	// CertFile and KeyFile are this SAE's client certificate and key.
	// CAFile is the key manager's CA bundle. All three are ignored
	// when HTTPClient is set.
	CertFile string
	KeyFile  string
	CAFile   string

	// HTTPClient overrides the mTLS client built from the files.
	HTTPClient *http.Client

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// ETSIClient is an ETSI GS QKD 014 client.
type ETSIClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// APIError is a non-2xx response that is not a 5xx. 5xx responses
// are ErrUnavailable instead.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qkd: HTTP %d: %s", e.StatusCode, e.Message)
}

// NewETSIClient validates config and builds the mTLS transport.
func NewETSIClient(config ETSIConfig) (*ETSIClient, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("qkd: key manager URL must use HTTPS (got %q)", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport, err := mutualTLSTransport(config.CertFile, config.KeyFile, config.CAFile)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: transport}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &ETSIClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

func mutualTLSTransport(certFile, keyFile, caFile string) (*http.Transport, error) {
	if certFile == "" || keyFile == "" || caFile == "" {
		return nil, errors.New("qkd: cert_file, key_file and ca_file are all required")
	}
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("qkd: loading client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("qkd: reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("qkd: no certificates in %s", caFile)
	}
	return &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{certificate},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS13,
		},
		ResponseHeaderTimeout: DefaultTimeout,
	}, nil
}

// keyContainer is the ETSI 014 key container. Key is base64 in JSON;
// encoding/json decodes it into the byte slice.
type keyContainer struct {
	Keys []struct {
		KeyID string `json:"key_ID"`
		Key   []byte `json:"key"`
	} `json:"keys"`
}

type statusResponse struct {
	SourceKMEID    string `json:"source_KME_ID"`
	TargetKMEID    string `json:"target_KME_ID"`
	KeySize        int    `json:"key_size"`
	StoredKeyCount int    `json:"stored_key_count"`
	MaxKeyCount    int    `json:"max_key_count"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// FetchKey requests one key of request.Size bytes shared with
// request.PeerSAE.
func (c *ETSIClient) FetchKey(ctx context.Context, request Request) (Key, error) {
	if request.PeerSAE == "" {
		return Key{}, errors.New("qkd: peer SAE is required")
	}
	if request.Size <= 0 {
		return Key{}, fmt.Errorf("qkd: invalid key size %d", request.Size)
	}

	query := url.Values{}
	query.Set("number", "1")
	query.Set("size", strconv.Itoa(request.Size*8))
	path := "/api/v1/keys/" + url.PathEscape(request.PeerSAE) + "/enc_keys?" + query.Encode()

	body, err := c.get(ctx, path)
	if err != nil {
		return Key{}, err
	}
	defer secret.Zero(body)

	var container keyContainer
	if err := json.Unmarshal(body, &container); err != nil {
		return Key{}, fmt.Errorf("qkd: decoding key container: %w", err)
	}
	defer func() {
		for index := range container.Keys {
			secret.Zero(container.Keys[index].Key)
		}
	}()

	if len(container.Keys) == 0 {
		return Key{}, fmt.Errorf("%w: key container is empty", ErrUnavailable)
	}
	first := container.Keys[0]
	if len(first.Key) != request.Size {
		return Key{}, fmt.Errorf("qkd: key %s is %d bytes, want %d", first.KeyID, len(first.Key), request.Size)
	}

	buffer, err := secret.NewFromBytes(first.Key)
	if err != nil {
		return Key{}, fmt.Errorf("qkd: protecting key %s: %w", first.KeyID, err)
	}
	c.logger.Debug("fetched qkd key", "key_id", first.KeyID, "peer_sae", request.PeerSAE)
	return Key{ID: first.KeyID, Secret: buffer}, nil
}

// Status queries the link status to peerSAE.
func (c *ETSIClient) Status(ctx context.Context, peerSAE string) (Status, error) {
	body, err := c.get(ctx, "/api/v1/keys/"+url.PathEscape(peerSAE)+"/status")
	if err != nil {
		return Status{}, err
	}
	var response statusResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return Status{}, fmt.Errorf("qkd: decoding status: %w", err)
	}
	return Status{
		SourceKME:      response.SourceKMEID,
		TargetKME:      response.TargetKMEID,
		KeySize:        response.KeySize,
		StoredKeyCount: response.StoredKeyCount,
		MaxKeyCount:    response.MaxKeyCount,
	}, nil
}

func (c *ETSIClient) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("qkd: creating request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if response.StatusCode >= 500 {
		secret.Zero(body)
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrUnavailable, response.StatusCode, path)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		var parsed errorResponse
		message := http.StatusText(response.StatusCode)
		if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
			message = parsed.Message
		}
		secret.Zero(body)
		return nil, &APIError{StatusCode: response.StatusCode, Message: message}
	}
	return body, nil
}
