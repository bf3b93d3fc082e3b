package config

import "testing"

func TestParseList(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "node-a", []string{"node-a"}},
		{"trims whitespace", " node-a , node-b ", []string{"node-a", "node-b"}},
		{"strips inline comment", "node-a, node-b # staging only", []string{"node-a", "node-b"}},
		{"drops empty fields", "node-a,,node-b", []string{"node-a", "node-b"}},
		{"whole line commented out", "# node-a", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseList(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("parseList(%q) = %v, want %v", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("parseList(%q) = %v, want %v", tc.in, got, tc.want)
				}
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Host:                    "https://vmmanager.example.com",
		Username:                "ops@example.com",
		Password:                "secret",
		CPUOverloadThreshold:    7.0,
		MemoryOverloadThreshold: 70.0,
		CPUTargetThreshold:      6.0,
		MemoryTargetThreshold:   80.0,
		MaxMigrationsPerCycle:   1,
		MigrationTimeout:        1800_000_000_000,
		BalanceInterval:         600_000_000_000,
		VMSelectionOrder:        SmallestFirst,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_MissingPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Password = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing password")
	}
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.CPUTargetThreshold = 8.0 // now above cpu-overload-threshold
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for inverted cpu thresholds")
	}
	cfgErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if cfgErr.Field != "cpu-target-threshold" {
		t.Fatalf("expected field cpu-target-threshold, got %s", cfgErr.Field)
	}
}

func TestValidate_UnknownComparator(t *testing.T) {
	cfg := validConfig()
	cfg.VMSelectionOrder = "middle-first"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown vm selection order")
	}
}
