package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/lightwayio/lightway-server/lib/frame"
)

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "lightway-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := tls.X509KeyPair(
		pemEncode("CERTIFICATE", der),
		pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv)),
	)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	return cert
}

func pemEncode(kind string, der []byte) []byte {
	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: kind, Bytes: der})
	return buf.Bytes()
}

func TestTLSEndpointFrameRoundTrip(t *testing.T) {
	cert := generateSelfSignedCert(t)
	ln, err := ListenTLS("127.0.0.1:0", cert)
	if err != nil {
		t.Fatalf("ListenTLS: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		ep, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer ep.Close()
		f, err := ep.ReadFrame()
		if err != nil {
			serverDone <- err
			return
		}
		serverDone <- ep.WriteFrame(f)
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := NewEndpoint(conn)
	defer client.Close()

	sent := *frame.New(frame.TagPing, []byte("round-trip"))
	if err := client.WriteFrame(sent); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Tag != sent.Tag || string(got.Payload) != string(sent.Payload) {
		t.Fatalf("got %+v, want %+v", got, sent)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
