package webhook

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr bool
	}{
		{name: "valid", user: "testuser", pass: "testpass"},
		{name: "wrong password", user: "testuser", pass: "wrongpass", wantErr: true},
		{name: "wrong username", user: "wronguser", pass: "testpass", wantErr: true},
		{name: "prefix of password", user: "testuser", pass: "test", wantErr: true},
		{name: "empty", user: "", pass: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.Verify(tt.user, tt.pass)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify(%q, %q): got err=%v, wantErr=%v", tt.user, tt.pass, err, tt.wantErr)
			}
		})
	}
}

func TestWebhook_BasicAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setAuth    bool
		user       string
		pass       string
		wantStatus int
	}{
		{name: "no credentials", wantStatus: http.StatusUnauthorized},
		{name: "wrong credentials", setAuth: true, user: "hook", pass: "nope", wantStatus: http.StatusUnauthorized},
		{name: "valid credentials", setAuth: true, user: "hook", pass: "secret", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockRelayer{}
			srv := New(ServerConfig{Relay: mock, AuthUsername: "hook", AuthPassword: "secret"})

			body, contentType := multipartBody(t, map[string]string{"from": "a@x.com", "text": "Hello"})
			req := httptest.NewRequest(http.MethodPost, "/webhook", body)
			req.Header.Set("Content-Type", contentType)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != authRealm {
					t.Errorf("WWW-Authenticate: got %q, want %q", got, authRealm)
				}
				if mock.calls() != 0 {
					t.Errorf("relay calls: got %d, want 0", mock.calls())
				}
			}
		})
	}
}

func TestWebhook_HealthzSkipsAuth(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{Relay: &mockRelayer{}, AuthUsername: "hook", AuthPassword: "secret"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
}
