package certify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"software.sslmate.com/src/go-pkcs12"
)

// oidTimeStampToken is id-aa-timeStampToken (RFC 3161 appendix A).
var oidTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// Signer turns a rendered document into a signed, timestamped one.
type Signer interface {
	Sign(ctx context.Context, document []byte) ([]byte, error)
	// Extension is appended to the document file name, e.g. ".p7m".
	Extension() string
}

type SignerConfig struct {
	PKCS12Path     string
	PKCS12Password string
	TSAURL         string
	TSAUsername    string
	TSAPassword    string
	TSATimeout     time.Duration
}

// CMSSigner produces an attached CMS SignedData (SHA-256) whose signature
// carries an RFC 3161 timestamp token as an unsigned attribute.
type CMSSigner struct {
	key   crypto.Signer
	cert  *x509.Certificate
	chain []*x509.Certificate
	tsa   *TSAClient
}

// LoadPKCS12 reads the signing identity from a PKCS#12 bundle.
func LoadPKCS12(path, password string) (crypto.Signer, *x509.Certificate, []*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read pkcs12 %s: %w", path, err)
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode pkcs12 %s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, nil, fmt.Errorf("pkcs12 %s: private key %T cannot sign", path, key)
	}
	return signer, cert, caCerts, nil
}

func NewCMSSigner(cfg SignerConfig) (*CMSSigner, error) {
	key, cert, chain, err := LoadPKCS12(cfg.PKCS12Path, cfg.PKCS12Password)
	if err != nil {
		return nil, err
	}
	if cfg.TSAURL == "" {
		return nil, errors.New("timestamp authority url is required")
	}
	slog.Info("Loaded signing certificate",
		slog.String("subject", cert.Subject.CommonName),
		slog.Time("not_after", cert.NotAfter),
		slog.Int("chain_length", len(chain)),
	)
	return &CMSSigner{
		key:   key,
		cert:  cert,
		chain: chain,
		tsa:   NewTSAClient(cfg.TSAURL, cfg.TSAUsername, cfg.TSAPassword, cfg.TSATimeout),
	}, nil
}

func (s *CMSSigner) Extension() string { return ".p7m" }

func (s *CMSSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	if time.Now().After(s.cert.NotAfter) {
		return nil, fmt.Errorf("signing certificate expired on %s", s.cert.NotAfter.Format(time.RFC3339))
	}

	sd, err := pkcs7.NewSignedData(document)
	if err != nil {
		return nil, fmt.Errorf("init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(s.cert, s.key, s.chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}

	signerInfo := &sd.GetSignedData().SignerInfos[0]
	token, err := s.tsa.Timestamp(ctx, signerInfo.EncryptedDigest)
	if err != nil {
		return nil, err
	}
	if err := signerInfo.SetUnauthenticatedAttributes([]pkcs7.Attribute{
		{Type: oidTimeStampToken, Value: asn1.RawValue{FullBytes: token}},
	}); err != nil {
		return nil, fmt.Errorf("attach timestamp token: %w", err)
	}

	out, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signed data: %w", err)
	}
	return out, nil
}

// TSAClient requests RFC 3161 timestamp tokens over HTTP.
type TSAClient struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
}

func NewTSAClient(url, username, password string, timeout time.Duration) *TSAClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TSAClient{
		url:        url,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Timestamp returns the DER timestamp token over data.
func (c *TSAClient) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	tsq, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create timestamp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(tsq))
	if err != nil {
		return nil, fmt.Errorf("build timestamp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	req.Header.Set("Content-Transfer-Encoding", "binary")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("timestamp authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read timestamp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timestamp authority returned http %d", resp.StatusCode)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp response: %w", err)
	}
	slog.DebugContext(ctx, "Timestamp token received", slog.Time("tsa_time", ts.Time))
	return ts.RawToken, nil
}
