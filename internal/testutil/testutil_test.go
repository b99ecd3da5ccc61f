package testutil

import (
	"net/http"
	"testing"
)

func TestServeAndDecode(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	})

	rec := Serve(h, http.MethodPost, "/thing")
	AssertStatusCode(t, rec.Code, http.StatusAccepted)
	AssertHeader(t, rec, "X-Method", http.MethodPost)

	var body map[string]string
	DecodeJSON(t, rec, &body)
	if body["path"] != "/thing" {
		t.Errorf("path = %q, want /thing", body["path"])
	}
}
