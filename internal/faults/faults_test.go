package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "job %s not found", "job_1")
	assert.Equal(t, KindNotFound, KindOf(err))

	wrapped := fmt.Errorf("loading job: %w", err)
	assert.Equal(t, KindNotFound, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain error")))
}

func TestPermanentTransientDisjoint(t *testing.T) {
	kinds := []Kind{
		KindValidation, KindNotFound, KindUnauthorized, KindForbidden, KindBadRequest,
		KindTimeout, KindNetwork, KindRateLimited, KindServiceUnavailable, KindInfrastructure,
	}

	for _, k := range kinds {
		err := New(k, "boom")
		if IsPermanent(err) == IsTransient(err) {
			t.Fatalf("kind %s must be exactly one of permanent/transient", k)
		}
	}

	// Unclassified errors must never be retried.
	assert.True(t, IsPermanent(errors.New("mystery")))
	assert.False(t, IsTransient(errors.New("mystery")))
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Kind{
		400: KindBadRequest,
		401: KindUnauthorized,
		403: KindForbidden,
		404: KindNotFound,
		429: KindRateLimited,
		503: KindServiceUnavailable,
		504: KindServiceUnavailable,
		418: KindValidation,
		500: KindServiceUnavailable,
		502: KindServiceUnavailable,
	}
	for status, want := range cases {
		assert.Equal(t, want, ClassifyStatus(status), "status %d", status)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindUnauthorized:       401,
		KindForbidden:          403,
		KindNotFound:           404,
		KindValidation:         422,
		KindBadRequest:         400,
		KindRateLimited:        429,
		KindInfrastructure:     500,
		KindServiceUnavailable: 500,
		KindUnknown:            500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestRateLimitedWaitHint(t *testing.T) {
	err := RateLimitedFor(30*time.Second, "remote backoff")
	assert.Equal(t, 30*time.Second, RetryAfterOf(err))
	assert.Equal(t, KindRateLimited, KindOf(err))

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.Equal(t, 30*time.Second, RetryAfterOf(wrapped))
}

func TestValidationField(t *testing.T) {
	err := Validationf("keywords", "must not be empty")
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatal("expected *Fault")
	}
	assert.Equal(t, "keywords", f.Field)
	assert.Equal(t, KindValidation, f.Kind)
}
