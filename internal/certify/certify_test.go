package certify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/broker/brokertest"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/internal/store/storetest"
	"github.com/thrillee/aegiscert/internal/workers"
	"software.sslmate.com/src/go-pkcs12"
)

const distributionQueue = "sms_distribution"

func selfSigned(t *testing.T, cn string, notAfter time.Time) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-48 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func writePKCS12(t *testing.T, notAfter time.Time) string {
	t.Helper()
	key, cert := selfSigned(t, "AegisCert Signing", notAfter)
	data, err := pkcs12.Modern.Encode(key, cert, nil, "secret")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "signer.p12")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// fakeTSA answers RFC 3161 requests with tokens signed by a throwaway key.
func fakeTSA(t *testing.T) *httptest.Server {
	t.Helper()
	key, cert := selfSigned(t, "Test TSA", time.Now().Add(24*time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/timestamp-query" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req, err := timestamp.ParseRequest(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ts := &timestamp.Timestamp{
			HashAlgorithm: req.HashAlgorithm,
			HashedMessage: req.HashedMessage,
			Time:          time.Now().UTC(),
			Policy:        asn1.ObjectIdentifier{2, 4, 5, 6},
		}
		resp, err := ts.CreateResponseWithOpts(cert, key, crypto.SHA256)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSigner(t *testing.T, tsaURL string, notAfter time.Time) *CMSSigner {
	t.Helper()
	s, err := NewCMSSigner(SignerConfig{
		PKCS12Path:     writePKCS12(t, notAfter),
		PKCS12Password: "secret",
		TSAURL:         tsaURL,
		TSATimeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return s
}

func deliveredMessage(t *testing.T, s store.Store) model.Message {
	t.Helper()
	msg := storetest.SeedSending(t, s, "", "P-1")
	_, err := s.ApplyReport(context.Background(), msg.MessageID, "delivered")
	require.NoError(t, err)
	got, err := s.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	return got
}

func taskBody(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(model.CertificationTask{MessageID: id})
	require.NoError(t, err)
	return b
}

func TestPDFRendererProducesPDF(t *testing.T) {
	msg := model.Message{
		MessageID:  "abc123",
		SenderID:   "ACME",
		Recipient:  "+34600111222",
		Body:       "Señor, your code is 1234",
		Status:     model.StatusDelivered,
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	out, err := NewPDFRenderer("").Render(msg, time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestCMSSignerEmbedsDocumentAndTimestamp(t *testing.T) {
	tsa := fakeTSA(t)
	s := newSigner(t, tsa.URL, time.Now().Add(24*time.Hour))
	assert.Equal(t, ".p7m", s.Extension())

	doc := []byte("%PDF-1.3 test document")
	out, err := s.Sign(context.Background(), doc)
	require.NoError(t, err)

	p7, err := pkcs7.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, doc, p7.Content)
	require.NoError(t, p7.Verify())
	require.Len(t, p7.Signers, 1)

	attrs := p7.Signers[0].UnauthenticatedAttributes
	require.Len(t, attrs, 1)
	assert.True(t, attrs[0].Type.Equal(oidTimeStampToken))

	ts, err := timestamp.Parse(attrs[0].Value.Bytes)
	require.NoError(t, err)
	digest := sha256.Sum256(p7.Signers[0].EncryptedDigest)
	assert.Equal(t, digest[:], ts.HashedMessage)
}

func TestCMSSignerRejectsExpiredCertificate(t *testing.T) {
	tsa := fakeTSA(t)
	s := newSigner(t, tsa.URL, time.Now().Add(-time.Hour))
	_, err := s.Sign(context.Background(), []byte("doc"))
	assert.ErrorContains(t, err, "expired")
}

func TestCMSSignerTSAFailure(t *testing.T) {
	tsa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer tsa.Close()
	s := newSigner(t, tsa.URL, time.Now().Add(24*time.Hour))
	_, err := s.Sign(context.Background(), []byte("doc"))
	assert.ErrorContains(t, err, "http 503")
}

func TestNewCMSSignerRequiresTSA(t *testing.T) {
	_, err := NewCMSSigner(SignerConfig{PKCS12Path: writePKCS12(t, time.Now().Add(time.Hour)), PKCS12Password: "secret"})
	assert.Error(t, err)

	_, err = NewCMSSigner(SignerConfig{PKCS12Path: writePKCS12(t, time.Now().Add(time.Hour)), PKCS12Password: "wrong", TSAURL: "http://tsa"})
	assert.ErrorContains(t, err, "decode pkcs12")
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}
func (failingSigner) Extension() string { return ".p7m" }

type workerFixture struct {
	store  *store.SQLite
	broker *brokertest.Broker
	worker *Worker
	dir    string
}

func newFixture(t *testing.T, signer Signer) *workerFixture {
	t.Helper()
	f := &workerFixture{
		store:  storetest.New(t),
		broker: brokertest.New(),
		dir:    filepath.Join(t.TempDir(), "certs"),
	}
	f.worker = NewWorker(
		Config{OutputDir: f.dir, DistributionQueue: distributionQueue},
		f.store, f.broker,
		StatusGuard{Status: model.StatusDelivered},
		NewPDFRenderer("AegisCert Test"),
		signer,
		metrics.New(),
	)
	return f
}

func TestWorkerCertifiesDeliveredMessage(t *testing.T) {
	tsa := fakeTSA(t)
	f := newFixture(t, newSigner(t, tsa.URL, time.Now().Add(24*time.Hour)))
	msg := deliveredMessage(t, f.store)

	outcome := f.worker.Handle(context.Background(), taskBody(t, msg.MessageID))
	require.Equal(t, workers.Completed, outcome)

	want := filepath.Join(f.dir, msg.MessageID+".pdf.p7m")
	got, err := f.store.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	require.NotNil(t, got.CertificatePath)
	assert.Equal(t, want, *got.CertificatePath)

	signed, err := os.ReadFile(want)
	require.NoError(t, err)
	p7, err := pkcs7.Parse(signed)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(p7.Content, []byte("%PDF")))

	pending := f.broker.Pending(distributionQueue)
	require.Len(t, pending, 1)
	var task model.DistributionTask
	require.NoError(t, json.Unmarshal(pending[0], &task))
	assert.Equal(t, model.DistributionTask{
		MessageID:       msg.MessageID,
		CertificatePath: want,
		RecipientEmail:  storetest.DefaultClient.ContactEmail,
		RemoteDirectory: storetest.DefaultClient.DeliveryDirectory,
	}, task)
}

func TestWorkerDropsIneligibleTasks(t *testing.T) {
	f := newFixture(t, failingSigner{})
	sending := storetest.SeedSending(t, f.store, "", "P-2")

	assert.Equal(t, workers.Dropped, f.worker.Handle(context.Background(), []byte("{")))
	assert.Equal(t, workers.Dropped, f.worker.Handle(context.Background(), taskBody(t, "missing")))
	assert.Equal(t, workers.Dropped, f.worker.Handle(context.Background(), taskBody(t, sending.MessageID)))
	assert.Zero(t, f.broker.Published(distributionQueue))
}

func TestWorkerDropsAlreadyCertified(t *testing.T) {
	f := newFixture(t, failingSigner{})
	msg := deliveredMessage(t, f.store)
	require.NoError(t, f.store.SetCertificatePath(context.Background(), msg.MessageID, "/certs/existing.pdf.p7m"))

	assert.Equal(t, workers.Dropped, f.worker.Handle(context.Background(), taskBody(t, msg.MessageID)))
	assert.Zero(t, f.broker.Published(distributionQueue))
}

func TestWorkerSigningFailureDeadLetters(t *testing.T) {
	f := newFixture(t, failingSigner{})
	msg := deliveredMessage(t, f.store)

	assert.Equal(t, workers.DeadLettered, f.worker.Handle(context.Background(), taskBody(t, msg.MessageID)))

	got, err := f.store.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	assert.Nil(t, got.CertificatePath)
	entries, _ := os.ReadDir(f.dir)
	assert.Empty(t, entries)
}

func TestWorkerPublishFailureDeadLetters(t *testing.T) {
	tsa := fakeTSA(t)
	f := newFixture(t, newSigner(t, tsa.URL, time.Now().Add(24*time.Hour)))
	msg := deliveredMessage(t, f.store)
	f.broker.FailPublish(errors.New("channel closed"))

	assert.Equal(t, workers.DeadLettered, f.worker.Handle(context.Background(), taskBody(t, msg.MessageID)))

	got, err := f.store.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	assert.NotNil(t, got.CertificatePath, "certificate is recorded before publishing")
}

func TestWorkerCompletesAfterShutdownSignal(t *testing.T) {
	tsa := fakeTSA(t)
	f := newFixture(t, newSigner(t, tsa.URL, time.Now().Add(24*time.Hour)))
	msg := deliveredMessage(t, f.store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, workers.Completed, f.worker.Handle(ctx, taskBody(t, msg.MessageID)))
	assert.Equal(t, 1, f.broker.Published(distributionQueue))
	assert.Empty(t, f.broker.DeadLetters(distributionQueue))

	got, err := f.store.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	assert.NotNil(t, got.CertificatePath)
}
