package s3

import "testing"

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

func TestNewClientUsesConfiguredScheme(t *testing.T) {
	client, err := NewClient(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Region: "us-east-1", UseSSL: true})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.EndpointURL().Scheme; got != "https" {
		t.Fatalf("unexpected scheme: %q", got)
	}
}
