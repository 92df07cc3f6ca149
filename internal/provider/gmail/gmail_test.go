package gmail

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
	"google.golang.org/api/googleapi"
)

func TestClassifyGoogleError_MapsKnownCodes(t *testing.T) {
	cases := []struct {
		code int
		msg  string
		want provider.ErrorKind
	}{
		{401, "", provider.KindAuthRequired},
		{429, "", provider.KindRateLimited},
		{403, "User Rate Limit Exceeded", provider.KindRateLimited},
		{404, "", provider.KindNotFound},
		{500, "", provider.KindTransientNetwork},
		{403, "insufficient permission", provider.KindTransientNetwork},
	}
	for _, c := range cases {
		gerr := &googleapi.Error{Code: c.code, Message: c.msg}
		err := classifyGoogleError("op", gerr)
		var perr *provider.Error
		if !errors.As(err, &perr) {
			t.Fatalf("classifyGoogleError(%d) did not return *provider.Error", c.code)
		}
		if perr.Kind != c.want {
			t.Errorf("code=%d msg=%q: Kind = %v, want %v", c.code, c.msg, perr.Kind, c.want)
		}
	}
}

func TestClassifyGoogleError_NilIsNil(t *testing.T) {
	if err := classifyGoogleError("op", nil); err != nil {
		t.Fatalf("classifyGoogleError(nil) = %v, want nil", err)
	}
}

func TestClassifyGoogleError_NonGoogleErrorIsTransient(t *testing.T) {
	err := classifyGoogleError("op", errors.New("connection reset"))
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindTransientNetwork {
		t.Fatalf("err = %v, want KindTransientNetwork", err)
	}
}

func TestContainsLabel(t *testing.T) {
	labels := []string{"INBOX", "IMPORTANT"}
	if !containsLabel(labels, "INBOX") {
		t.Error("expected INBOX to be found")
	}
	if containsLabel(labels, "SPAM") {
		t.Error("expected SPAM to be absent")
	}
}

func TestDecodeBase64URL(t *testing.T) {
	want := "hello world"
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(want))
	if got := decodeBase64URL(encoded); got != want {
		t.Errorf("decodeBase64URL(%q) = %q, want %q", encoded, got, want)
	}
}

func TestDecodeBase64URL_InvalidReturnsEmpty(t *testing.T) {
	if got := decodeBase64URL("not-valid-base64!!!"); got != "" {
		t.Errorf("decodeBase64URL(invalid) = %q, want empty", got)
	}
}
