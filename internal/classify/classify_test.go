package classify

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		message   string
		stderr    string
		wantCode  Code
		wantRetry bool
	}{
		{"auth", "invalid API key provided", "", CodeAuthError, false},
		{"cli missing", "claude: command not found", "", CodeCLIMissing, false},
		{"workspace missing", "fatal: not a git repository (or any of the parent directories)", "", CodeWorkspaceMissing, true},
		{"fs permission", "open /root/secrets: permission denied", "", CodeFSPermission, false},
		{"internal failure", "TypeError: cannot read property of undefined", "", CodeInternalCLIFailure, true},
		{"cancelled", "operation cancelled by caller", "", CodeCancelled, false},
		{"unknown", "disk is on fire", "", CodeUnknown, false},
		{"matches stderr not message", "command failed", "bash: permission denied", CodeFSPermission, false},
		{"first match wins", "authentication error: not a git repository", "", CodeAuthError, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.message, tc.stderr)
			if got.Code != tc.wantCode {
				t.Fatalf("Classify(%q, %q).Code = %q, want %q", tc.message, tc.stderr, got.Code, tc.wantCode)
			}
			if got.IsRetryable != tc.wantRetry {
				t.Fatalf("Classify(%q, %q).IsRetryable = %v, want %v", tc.message, tc.stderr, got.IsRetryable, tc.wantRetry)
			}
		})
	}
}

func TestClassifyAuthAndCLIMissingNeverRetryable(t *testing.T) {
	for _, c := range rules {
		if c.code == CodeAuthError || c.code == CodeCLIMissing {
			if c.retryable {
				t.Fatalf("rule for %q must be non-retryable", c.code)
			}
		}
	}
}
