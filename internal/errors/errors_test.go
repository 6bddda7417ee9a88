package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAppErrorFormatting(t *testing.T) {
	err := Wrap(stderrors.New("disk full"), CodeEncodeFailed, "write wav").
		WithMetadata("chunk", "3")

	want := "[AUDIO_ENCODE_FAILED] write wav map[chunk:3] caused by: disk full"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(CodeStorageRejected, "forbidden")
	outer := Wrap(inner, CodeUploadFailed, "upload 1.ogg")
	wrapped := fmt.Errorf("session abc: %w", outer)

	if !IsCode(wrapped, CodeUploadFailed) {
		t.Error("expected UPLOAD_FAILED in chain")
	}
	if !IsCode(wrapped, CodeStorageRejected) {
		t.Error("expected STORAGE_REJECTED in chain")
	}
	if IsCode(wrapped, CodeTimeout) {
		t.Error("did not expect TIMEOUT in chain")
	}
	if got := CodeOf(wrapped); got != CodeUploadFailed {
		t.Errorf("CodeOf = %s, want %s", got, CodeUploadFailed)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", stderrors.New("connection reset"), true},
		{"unavailable", New(CodeUnavailable, "503"), true},
		{"timeout", New(CodeTimeout, "deadline"), true},
		{"rejected", New(CodeStorageRejected, "403"), false},
		{"invalid", New(CodeInvalidArgument, "bad key"), false},
		{"wrapped rejected", fmt.Errorf("put: %w", New(CodeStorageRejected, "403")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	appErr := New(CodeUnavailable, "vad down")
	st, ok := status.FromError(appErr)
	if !ok {
		t.Fatal("status.FromError did not recognise AppError")
	}
	if st.Code() != codes.Unavailable {
		t.Errorf("code = %v, want Unavailable", st.Code())
	}

	back := FromGRPCError(status.Error(codes.DeadlineExceeded, "slow"))
	if back.Code != CodeTimeout {
		t.Errorf("FromGRPCError code = %s, want %s", back.Code, CodeTimeout)
	}

	plain := FromGRPCError(stderrors.New("boom"))
	if plain.Code != CodeUnknown {
		t.Errorf("plain error code = %s, want %s", plain.Code, CodeUnknown)
	}
}
