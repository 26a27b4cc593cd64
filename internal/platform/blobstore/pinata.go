package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPinataAPI     = "https://api.pinata.cloud"
	defaultPinataGateway = "https://gateway.pinata.cloud/ipfs"
)

// PinataConfig configures the IPFS backend.
type PinataConfig struct {
	APIURL     string
	GatewayURL string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
}

// PinataStore pins payloads through the Pinata API and reads them back from an
// IPFS gateway. The content id is the returned IPFS hash.
type PinataStore struct {
	cfg    PinataConfig
	client *http.Client
}

// NewPinataStore returns a PinataStore, filling in the public Pinata
// endpoints when none are given.
func NewPinataStore(cfg PinataConfig) *PinataStore {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultPinataAPI
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = defaultPinataGateway
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PinataStore{cfg: cfg, client: client}
}

type pinataMetadata struct {
	Name string `json:"name"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Put uses pinJSONToIPFS when the payload is a JSON document and
// pinFileToIPFS otherwise.
func (s *PinataStore) Put(ctx context.Context, payload []byte, name string) (string, error) {
	if err := checkPayload(payload); err != nil {
		return "", err
	}
	name = nameOrDefault(name)

	var (
		req *http.Request
		err error
	)
	if json.Valid(payload) {
		req, err = s.jsonRequest(ctx, payload, name)
	} else {
		req, err = s.fileRequest(ctx, payload, name)
	}
	if err != nil {
		return "", err
	}
	req.Header.Set("pinata_api_key", s.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", s.cfg.APISecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata pin: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("pinata pin: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pinata pin: decode response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", errors.New("pinata pin: response carried no IpfsHash")
	}
	return out.IpfsHash, nil
}

func (s *PinataStore) jsonRequest(ctx context.Context, payload []byte, name string) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Content  json.RawMessage `json:"pinataContent"`
		Metadata pinataMetadata  `json:"pinataMetadata"`
	}{json.RawMessage(payload), pinataMetadata{Name: name}})
	if err != nil {
		return nil, fmt.Errorf("pinata pin: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *PinataStore) fileRequest(ctx context.Context, payload []byte, name string) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(pinataMetadata{Name: name})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/pinning/pinFileToIPFS", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// Get fetches <gateway>/<cid>.
func (s *PinataStore) Get(ctx context.Context, contentID string) ([]byte, error) {
	if contentID == "" || strings.ContainsAny(contentID, "/?#") {
		return nil, ErrBlobNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.GatewayURL+"/"+contentID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs gateway get %s: %w", contentID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBlobNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("ipfs gateway get %s: status %d", contentID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("ipfs gateway read %s: %w", contentID, err)
	}
	return data, nil
}

func contentTypeOf(payload []byte) string {
	if json.Valid(payload) {
		return "application/json"
	}
	return http.DetectContentType(payload)
}
