package config

import (
	"os"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp(t.TempDir(), "insignia-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node1
  address: http://node1:3001
  bind_addr: 0.0.0.0:3001
  data_dir: /tmp/data
  peers:
    - http://node2:3002
    - http://node3:3003

ledger:
  mining_schedule: "@every 30s"

database:
  host: localhost
  port: 5432
  database: insignia
  user: insignia
  password: secret

storage:
  driver: s3
  s3:
    bucket: documents
    region: us-east-1

signing:
  certificate: ./assets/insignia-certificate.p12

alerts:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "node1" {
		t.Errorf("expected node.id=node1, got %s", cfg.Node.ID)
	}
	if len(cfg.Node.Peers) != 2 {
		t.Errorf("expected 2 peers, got %d", len(cfg.Node.Peers))
	}
	if cfg.Ledger.MiningSchedule != "@every 30s" {
		t.Errorf("expected mining schedule @every 30s, got %s", cfg.Ledger.MiningSchedule)
	}
	if cfg.Storage.S3.Bucket != "documents" {
		t.Errorf("expected s3 bucket documents, got %s", cfg.Storage.S3.Bucket)
	}
	if cfg.Signing.SignatureLength != 8192 {
		t.Errorf("expected default signature length 8192, got %d", cfg.Signing.SignatureLength)
	}
	if cfg.Signing.Coordinates != "editor" {
		t.Errorf("expected default coordinates editor, got %s", cfg.Signing.Coordinates)
	}
	if cfg.Notary.OriginNode != "http://node1:3001" {
		t.Errorf("expected origin node to default to node address, got %s", cfg.Notary.OriginNode)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("INSIGNIA_TEST_PASSWORD", "from-env")

	path := writeConfig(t, `
node:
  id: node1
  data_dir: /tmp/data
database:
  password: ${INSIGNIA_TEST_PASSWORD}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Password != "from-env" {
		t.Errorf("expected expanded password, got %s", cfg.Database.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/insignia.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Node: NodeConfig{ID: "node1", DataDir: "/data"},
			},
			wantErr: false,
		},
		{
			name: "missing node id",
			config: Config{
				Node: NodeConfig{DataDir: "/data"},
			},
			wantErr: true,
		},
		{
			name: "missing data dir",
			config: Config{
				Node: NodeConfig{ID: "node1"},
			},
			wantErr: true,
		},
		{
			name: "unknown storage driver",
			config: Config{
				Node:    NodeConfig{ID: "node1", DataDir: "/data"},
				Storage: StorageConfig{Driver: "ftp"},
			},
			wantErr: true,
		},
		{
			name: "s3 without bucket",
			config: Config{
				Node:    NodeConfig{ID: "node1", DataDir: "/data"},
				Storage: StorageConfig{Driver: "s3"},
			},
			wantErr: true,
		},
		{
			name: "negative page",
			config: Config{
				Node:    NodeConfig{ID: "node1", DataDir: "/data"},
				Signing: SigningConfig{Page: -1},
			},
			wantErr: true,
		},
		{
			name: "unknown coordinates",
			config: Config{
				Node:    NodeConfig{ID: "node1", DataDir: "/data"},
				Signing: SigningConfig{Coordinates: "inches"},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: Config{
				Node: NodeConfig{ID: "node1", DataDir: "/data"},
				Log:  LogConfig{Level: "verbose"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := Config{Node: NodeConfig{ID: "node1", DataDir: "/data"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Node.BindAddr != ":3001" {
		t.Errorf("expected bind addr :3001, got %s", cfg.Node.BindAddr)
	}
	if cfg.Node.Address != "http://localhost:3001" {
		t.Errorf("expected address http://localhost:3001, got %s", cfg.Node.Address)
	}
	if cfg.Ledger.MiningSchedule != "@every 1m" {
		t.Errorf("expected mining schedule @every 1m, got %s", cfg.Ledger.MiningSchedule)
	}
	if cfg.Ledger.TreeCacheSize != 128 {
		t.Errorf("expected tree cache size 128, got %d", cfg.Ledger.TreeCacheSize)
	}
	if cfg.Storage.Driver != "local" || cfg.Storage.LocalDir != "uploads" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Notary.RetrySchedule != "@every 5m" {
		t.Errorf("expected retry schedule @every 5m, got %s", cfg.Notary.RetrySchedule)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestDefaultAddress(t *testing.T) {
	tests := map[string]string{
		":3001":          "http://localhost:3001",
		"0.0.0.0:3002":   "http://localhost:3002",
		"10.0.0.5:3003":  "http://10.0.0.5:3003",
		"node.local:300": "http://node.local:300",
	}
	for bind, want := range tests {
		if got := defaultAddress(bind); got != want {
			t.Errorf("defaultAddress(%q) = %s, want %s", bind, got, want)
		}
	}
}

func TestDatabaseValidate(t *testing.T) {
	db := DatabaseConfig{Host: "localhost", Database: "insignia", User: "insignia"}
	if err := db.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if db.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", db.Port)
	}

	missing := DatabaseConfig{Database: "insignia", User: "insignia"}
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing host")
	}
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "testdb",
		User:     "testuser",
		Password: "testpass",
	}

	connStr := db.ConnectionString()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpass sslmode=disable"

	if connStr != expected {
		t.Errorf("ConnectionString() = %v, want %v", connStr, expected)
	}
}
