package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) SendMessage(_ context.Context, _ *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: "from " + s.name}, nil
}

func TestNormalizeMessages_MergesAndPrependsUser(t *testing.T) {
	got := NormalizeMessages([]Message{
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleAssistant, Content: "a2"},
		{Role: RoleUser, Content: "u1"},
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(got), got)
	}
	if got[0].Role != RoleUser {
		t.Errorf("expected leading user turn, got %s", got[0].Role)
	}
	if got[1].Content != "a1\n\na2" {
		t.Errorf("expected merged assistant content, got %q", got[1].Content)
	}
}

func TestNormalizeMessages_Empty(t *testing.T) {
	got := NormalizeMessages(nil)
	if len(got) != 1 || got[0].Role != RoleUser {
		t.Fatalf("expected single user turn, got %+v", got)
	}
}

func TestFallbackProvider_UsesNextOnError(t *testing.T) {
	first := &stubProvider{name: "a", err: errors.New("down")}
	second := &stubProvider{name: "b"}
	fp := NewFallbackProvider([]Provider{first, second}, nil)

	resp, err := fp.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("expected response from b, got %q", resp.Content)
	}
	if fp.Name() != "a+fallback" {
		t.Errorf("unexpected name %q", fp.Name())
	}
}

func TestFallbackProvider_StopsOnCancellation(t *testing.T) {
	first := &stubProvider{name: "a", err: context.Canceled}
	second := &stubProvider{name: "b"}
	fp := NewFallbackProvider([]Provider{first, second}, nil)

	if _, err := fp.SendMessage(context.Background(), &Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if second.calls != 0 {
		t.Errorf("fallback should not be tried after cancellation")
	}
}

func TestFallbackProvider_AllFail(t *testing.T) {
	fp := NewFallbackProvider([]Provider{
		&stubProvider{name: "a", err: errors.New("x")},
		&stubProvider{name: "b", err: errors.New("y")},
	}, nil)
	if _, err := fp.SendMessage(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error when all providers fail")
	}
}

func TestFallbackProvider_BenchesFailedPlatform(t *testing.T) {
	first := &stubProvider{name: "a", err: errors.New("down")}
	second := &stubProvider{name: "b"}
	now := time.Unix(1_700_000_000, 0)
	fp := NewFallbackProvider([]Provider{first, second}, nil, WithCooldown(time.Minute))
	fp.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := fp.SendMessage(context.Background(), &Request{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if first.calls != 1 || second.calls != 3 {
		t.Fatalf("expected benched platform to be skipped, got a=%d b=%d", first.calls, second.calls)
	}

	now = now.Add(2 * time.Minute)
	first.err = nil
	resp, err := fp.SendMessage(context.Background(), &Request{})
	if err != nil || resp.Content != "from a" {
		t.Fatalf("expected primary after cooldown, got: %+v %v", resp, err)
	}
}

func TestFallbackProvider_RetriesWhenAllBenched(t *testing.T) {
	first := &stubProvider{name: "a", err: errors.New("x")}
	second := &stubProvider{name: "b", err: errors.New("y")}
	fp := NewFallbackProvider([]Provider{first, second}, nil)

	if _, err := fp.SendMessage(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error when all platforms fail")
	}
	second.err = nil
	resp, err := fp.SendMessage(context.Background(), &Request{})
	if err != nil || resp.Content != "from b" {
		t.Fatalf("expected benched platforms to be tried again, got: %+v %v", resp, err)
	}
	if first.calls != 2 {
		t.Fatalf("expected primary tried again, got %d calls", first.calls)
	}
}

func TestResolve(t *testing.T) {
	build := func(name string) (Provider, error) {
		if name == "broken" {
			return nil, fmt.Errorf("unsupported")
		}
		return &stubProvider{name: name}, nil
	}

	p, err := Resolve("openai", nil, build, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("expected bare provider, got %q", p.Name())
	}

	p, err = Resolve("openai", []string{"openai", "broken", "anthropic"}, build, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai+fallback" {
		t.Errorf("expected fallback provider, got %q", p.Name())
	}

	if _, err := Resolve("broken", nil, build, nil); err == nil {
		t.Fatal("expected error for unbuildable primary")
	}
}
