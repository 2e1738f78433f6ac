package config

import "testing"

func TestParseBoolFlag(t *testing.T) {
	cases := map[string]bool{
		"1":    true,
		"true": true,
		"TRUE": true,
		"yes":  true,
		"on":   true,
		"0":    false,
		"":     false,
		"nope": false,
	}
	for in, want := range cases {
		if got := ParseBoolFlag(in); got != want {
			t.Errorf("ParseBoolFlag(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}

	c.Server = "https://backend.example.com/"
	c.WorkerID = "worker-1"
	c.SharedDir = "/tmp/shared"
	c.Image = "opeva/job-runner:latest"

	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Server != "https://backend.example.com" {
		t.Errorf("Validate did not strip trailing slash, got %q", c.Server)
	}
}
