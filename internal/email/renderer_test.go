package email

import (
	"strings"
	"testing"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererConfig{
		FromAddress: "hello@shop.test",
		FromName:    "Shop",
		SiteURL:     "https://shop.test",
	})
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}
	return r
}

func TestRender_WelcomeCarriesLink(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Render(TemplateWelcome, Data{
		Name:       "Ana",
		Email:      "ana@example.com",
		AccessLink: "https://auth.test/verify?token=abc&type=magiclink",
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	if out.Subject == "" {
		t.Error("expected a subject")
	}
	if !strings.Contains(out.BodyHTML, "Welcome, Ana!") {
		t.Errorf("HTML missing greeting:\n%s", out.BodyHTML)
	}
	if !strings.Contains(out.BodyHTML, `href="https://auth.test/verify?token=abc&amp;type=magiclink"`) {
		t.Errorf("HTML missing escaped link:\n%s", out.BodyHTML)
	}
	if !strings.Contains(out.BodyText, "https://auth.test/verify?token=abc&type=magiclink") {
		t.Errorf("text missing raw link:\n%s", out.BodyText)
	}
	if !strings.Contains(out.BodyHTML, "https://shop.test") {
		t.Error("HTML should include the site URL footer")
	}
}

func TestRender_WelcomeBackHasNoLink(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Render(TemplateWelcomeBack, Data{
		Email:      "ana@example.com",
		AccessLink: "https://auth.test/should-not-appear",
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(out.BodyHTML, "should-not-appear") || strings.Contains(out.BodyText, "should-not-appear") {
		t.Error("returning subscriber email must not carry an access link")
	}
	if !strings.HasPrefix(out.BodyText, "Welcome back!") {
		t.Errorf("text = %q", out.BodyText)
	}
	if out.Subject == subjects[TemplateWelcome] {
		t.Error("subjects must differ between templates")
	}
}

func TestRender_EscapesName(t *testing.T) {
	r := newTestRenderer(t)

	out, err := r.Render(TemplateWelcome, Data{Name: "<script>x</script>", Email: "a@b.co"})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(out.BodyHTML, "<script>") {
		t.Error("HTML body must escape the name")
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	r := newTestRenderer(t)
	if _, err := r.Render(Template("receipt"), Data{}); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestRenderer_Sender(t *testing.T) {
	r := newTestRenderer(t)
	if s := r.Sender(); s.Address != "hello@shop.test" || s.Name != "Shop" {
		t.Errorf("Sender() = %+v", s)
	}
}
