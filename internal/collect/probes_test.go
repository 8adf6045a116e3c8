package collect

import (
	"context"
	"fmt"
	"testing"

	"github.com/xtxerr/argus/internal/errors"
	"github.com/xtxerr/argus/internal/xmlapi"
)

func sessionDoc(kbps float64) *xmlapi.Document {
	doc, _ := xmlapi.Parse([]byte(fmt.Sprintf(
		`<response status="success"><result><num-active>100</num-active><kbps>%g</kbps><cps>12</cps></result></response>`, kbps)))
	return doc
}

func TestNewProbe_UnknownName(t *testing.T) {
	if _, err := NewProbe("fw1", &fakeAPI{}, "u", "p", "bogus"); err == nil {
		t.Fatal("expected error for unknown probe name")
	}
}

func TestProbe_FetchesField(t *testing.T) {
	api := &fakeAPI{
		opFn: func(key, cmd string) (*xmlapi.Document, error) {
			return sessionDoc(2500), nil
		},
	}
	fetch, err := NewProbe("fw1", api, "u", "p", "session_kbps")
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}

	v, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v != 2500 {
		t.Errorf("value = %v, want 2500", v)
	}
	if api.keygenCount() != 1 {
		t.Errorf("keygens = %d, want 1", api.keygenCount())
	}

	// Second fetch reuses the key.
	if _, err := fetch(context.Background()); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if api.keygenCount() != 1 {
		t.Errorf("keygens after reuse = %d, want 1", api.keygenCount())
	}
}

func TestProbe_ReauthenticatesOnExpiry(t *testing.T) {
	calls := 0
	api := &fakeAPI{
		opFn: func(key, cmd string) (*xmlapi.Document, error) {
			calls++
			if calls == 2 {
				return nil, fmt.Errorf("key revoked: %w", errors.ErrAuthExpired)
			}
			return sessionDoc(1000), nil
		},
	}
	fetch, err := NewProbe("fw1", api, "u", "p", "session_kbps")
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}

	if _, err := fetch(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := fetch(context.Background()); err != nil {
		t.Fatalf("fetch after expiry: %v", err)
	}
	if api.keygenCount() != 2 {
		t.Errorf("keygens = %d, want 2 (initial + re-auth)", api.keygenCount())
	}
}

func TestProbe_MissingField(t *testing.T) {
	api := &fakeAPI{
		opFn: func(key, cmd string) (*xmlapi.Document, error) {
			doc, _ := xmlapi.Parse([]byte(`<response status="success"><result><other>1</other></result></response>`))
			return doc, nil
		},
	}
	fetch, err := NewProbe("fw1", api, "u", "p", "session_cps")
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	if _, err := fetch(context.Background()); !errors.Is(err, errors.ErrParseFailed) {
		t.Errorf("expected ErrParseFailed, got %v", err)
	}
}

func TestProbeNames_Sorted(t *testing.T) {
	names := ProbeNames()
	if len(names) != 4 {
		t.Fatalf("len = %d, want 4", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("names not sorted: %v", names)
		}
	}
}
