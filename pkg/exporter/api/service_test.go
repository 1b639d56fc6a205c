package api

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/crypto"
	exporterrors "github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/errors"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/keystore"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store/db"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/exporter/models/bundle/store/file"

	"github.com/go-kit/log"
	"software.sslmate.com/src/go-pkcs12"
)

type serviceSetUp struct {
	dir    string
	files  store.File
	ledger store.DB
}

func TestExportSingleDescriptor(t *testing.T) {
	stu := setup(t)
	srv := NewExporterService(keystore.DefaultPassphrase, stu.files, log.NewNopLogger(), WithLedger(stu.ledger))
	ctx := context.Background()

	run, err := srv.Export(ctx, "CN=Alice,OU=Eng,C=US\n")
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	if len(run.Results) != 1 {
		t.Fatalf("Got %d results; want 1", len(run.Results))
	}
	res := run.Results[0]
	if res.Err != nil {
		t.Fatalf("Descriptor failed: %s", res.Err)
	}
	if res.Status() != bundle.SucceededStatus {
		t.Errorf("Got status %s; want %s", res.Status(), bundle.SucceededStatus)
	}

	entries, err := os.ReadDir(stu.dir)
	if err != nil {
		t.Fatalf("Unable to list output directory: %s", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{"Alice.csr", "Alice.key", "Alice.p12"}
	if len(names) != len(want) {
		t.Fatalf("Got files %v; want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Got files %v; want %v", names, want)
			break
		}
	}

	csrPEM, err := os.ReadFile(filepath.Join(stu.dir, "Alice.csr"))
	if err != nil {
		t.Fatalf("Unable to read CSR: %s", err)
	}
	csr, err := crypto.ParseRequestPEM(csrPEM)
	if err != nil {
		t.Fatalf("Unable to parse CSR: %s", err)
	}
	var subject pkix.RDNSequence
	if _, err := asn1.Unmarshal(csr.RawSubject, &subject); err != nil {
		t.Fatalf("Unable to parse subject: %s", err)
	}
	wantOIDs := []asn1.ObjectIdentifier{{2, 5, 4, 3}, {2, 5, 4, 11}, {2, 5, 4, 6}}
	if len(subject) != len(wantOIDs) {
		t.Fatalf("Got %d RDNs; want %d", len(subject), len(wantOIDs))
	}
	for i, oid := range wantOIDs {
		if !subject[i][0].Type.Equal(oid) {
			t.Errorf("RDN %d: got %v; want %v", i, subject[i][0].Type, oid)
		}
	}

	keyPEM, err := os.ReadFile(filepath.Join(stu.dir, "Alice.key"))
	if err != nil {
		t.Fatalf("Unable to read key: %s", err)
	}
	p12, err := os.ReadFile(filepath.Join(stu.dir, "Alice.p12"))
	if err != nil {
		t.Fatalf("Unable to read keystore: %s", err)
	}
	blocks, err := pkcs12.ToPEM(p12, keystore.DefaultPassphrase)
	if err != nil {
		t.Fatalf("Unable to open keystore: %s", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	found := false
	for _, b := range blocks {
		if b.Type == "PRIVATE KEY" {
			found = true
			if string(b.Bytes) != string(keyBlock.Bytes) {
				t.Error("Keystore private key differs from the key file")
			}
		}
	}
	if !found {
		t.Error("Keystore holds no private key")
	}

	records, err := srv.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun returned an error: %s", err)
	}
	if len(records) != 1 || records[0].CommonName != "Alice" || records[0].Status != bundle.SucceededStatus {
		t.Errorf("Unexpected ledger records %+v", records)
	}
	fp := keystore.Fingerprint(csr.Raw)
	if records[0].Fingerprint != (&keystore.Keystore{Fingerprint: fp}).FingerprintHex() {
		t.Errorf("Got fingerprint %s; want SHA-1 of the CSR", records[0].Fingerprint)
	}
}

func TestExportBatchKeepsLineOrder(t *testing.T) {
	stu := setup(t)
	srv := NewExporterService(keystore.DefaultPassphrase, stu.files, log.NewNopLogger(), WithWorkers(3), WithGenerator(fastGenerator()))
	ctx := context.Background()

	input := "CN=one,C=US\nCN=two,C=US\nC=US,OU=Eng\nCN=four,C=US\nCN=five,C=US\n"
	run, err := srv.Export(ctx, input)
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	if len(run.Results) != 5 {
		t.Fatalf("Got %d results; want 5", len(run.Results))
	}
	if run.Succeeded() != 4 || run.Failed() != 1 {
		t.Errorf("Got %d succeeded and %d failed; want 4 and 1", run.Succeeded(), run.Failed())
	}
	for i, res := range run.Results {
		if res.Line != i+1 {
			t.Errorf("Result %d: got line %d; want %d", i, res.Line, i+1)
		}
	}
	failed := run.Results[2]
	if failed.Err == nil || failed.Err.Kind != exporterrors.MalformedLine {
		t.Fatalf("Got %v; want a MalformedLine failure", failed.Err)
	}
	if failed.Err.Line != 3 || failed.Err.Input != "C=US,OU=Eng" {
		t.Errorf("Diagnostic does not name the offending line: %+v", failed.Err)
	}
	if failed.Bundle != nil {
		t.Error("Malformed line produced artifacts")
	}

	entries, err := os.ReadDir(stu.dir)
	if err != nil {
		t.Fatalf("Unable to list output directory: %s", err)
	}
	if len(entries) != 12 {
		t.Errorf("Got %d files; want 12", len(entries))
	}
}

func TestExportDiagnostics(t *testing.T) {
	srv := NewExporterService(keystore.DefaultPassphrase, nil, log.NewNopLogger(), WithGenerator(fastGenerator()))
	ctx := context.Background()

	testCases := []struct {
		name   string
		line   string
		kind   exporterrors.Kind
		status string
	}{
		{"No common name prefix", "C=US,OU=Eng", exporterrors.MalformedLine, bundle.FailedStatus},
		{"Non ASCII organizational unit", "CN=Bob,OU=\xff", exporterrors.InvalidAttributeEncoding, bundle.FailedStatus},
		{"Empty common name", "CN=,OU=Eng", exporterrors.MissingCommonName, bundle.FailedStatus},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			run, err := srv.Export(ctx, tc.line)
			if err != nil {
				t.Fatalf("Export returned an error: %s", err)
			}
			res := run.Results[0]
			if res.Err == nil || res.Err.Kind != tc.kind {
				t.Fatalf("Got %v; want %s", res.Err, tc.kind)
			}
			if res.Status() != tc.status {
				t.Errorf("Got status %s; want %s", res.Status(), tc.status)
			}
		})
	}
}

func TestExportKeystoreFailureKeepsRequest(t *testing.T) {
	stu := setup(t)
	srv := NewExporterService("\U0001F511", stu.files, log.NewNopLogger(), WithGenerator(fastGenerator()))

	run, err := srv.Export(context.Background(), "CN=Carol,O=Lamassu")
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	res := run.Results[0]
	if res.Err == nil || res.Err.Kind != exporterrors.KeystoreAssemblyFailure {
		t.Fatalf("Got %v; want a KeystoreAssemblyFailure", res.Err)
	}
	if res.Status() != bundle.PartialStatus {
		t.Errorf("Got status %s; want %s", res.Status(), bundle.PartialStatus)
	}
	for _, name := range []string{"Carol.csr", "Carol.key"} {
		if _, err := os.Stat(filepath.Join(stu.dir, name)); err != nil {
			t.Errorf("Missing %s: %s", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(stu.dir, "Carol.p12")); !os.IsNotExist(err) {
		t.Errorf("Keystore was written despite the failure")
	}
}

func TestExportKeystoreAndPersistenceFailure(t *testing.T) {
	stu := setup(t)
	srv := NewExporterService("\U0001F511", stu.files, log.NewNopLogger(), WithGenerator(fastGenerator()))
	ctx := context.Background()

	// The second run collides with the request files left by the first.
	if _, err := srv.Export(ctx, "CN=Carol,O=Lamassu"); err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	run, err := srv.Export(ctx, "CN=Carol,O=Lamassu")
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	res := run.Results[0]
	if res.Err == nil || res.Err.Kind != exporterrors.KeystoreAssemblyFailure {
		t.Fatalf("Got %v; want a KeystoreAssemblyFailure", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "artifacts not persisted") {
		t.Errorf("Diagnostic %q does not report the write failure", res.Err.Error())
	}
}

func TestExportDuplicateCommonName(t *testing.T) {
	for i := 0; i < 5; i++ {
		stu := setup(t)
		srv := NewExporterService(keystore.DefaultPassphrase, stu.files, log.NewNopLogger(), WithWorkers(2), WithGenerator(fastGenerator()))

		run, err := srv.Export(context.Background(), "CN=Dup,O=A\nCN=Dup,O=B")
		if err != nil {
			t.Fatalf("Export returned an error: %s", err)
		}
		if len(run.Results) != 2 {
			t.Fatalf("Got %d results; want 2", len(run.Results))
		}
		first, second := run.Results[0], run.Results[1]
		if first.Err != nil {
			t.Fatalf("First descriptor failed: %s", first.Err)
		}
		if second.Err == nil || second.Err.Kind != exporterrors.DuplicateCommonName {
			t.Fatalf("Got %v; want a DuplicateCommonName failure", second.Err)
		}
		if second.Err.Line != 2 || !strings.Contains(second.Err.Error(), "line 1") {
			t.Errorf("Diagnostic does not name the first line: %s", second.Err)
		}
		if second.Bundle != nil {
			t.Error("Duplicate descriptor produced artifacts")
		}

		csrPEM, err := os.ReadFile(filepath.Join(stu.dir, "Dup.csr"))
		if err != nil {
			t.Fatalf("Unable to read CSR: %s", err)
		}
		if string(csrPEM) != string(first.Bundle.CSR) {
			t.Error("Written CSR does not belong to the first descriptor")
		}
	}
}

func TestExportPersistenceFailure(t *testing.T) {
	stu := setup(t)
	srv := NewExporterService(keystore.DefaultPassphrase, stu.files, log.NewNopLogger(), WithGenerator(fastGenerator()))
	ctx := context.Background()

	// The second descriptor collides with the artifacts of the first.
	run, err := srv.Export(ctx, "CN=Dave")
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	if run.Results[0].Err != nil {
		t.Fatalf("First export failed: %s", run.Results[0].Err)
	}
	run, err = srv.Export(ctx, "CN=Dave")
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}
	res := run.Results[0]
	if res.Err == nil || res.Err.Kind != exporterrors.PersistenceFailure {
		t.Fatalf("Got %v; want a PersistenceFailure", res.Err)
	}
	if res.Status() != bundle.PartialStatus {
		t.Errorf("Got status %s; want %s", res.Status(), bundle.PartialStatus)
	}
}

func TestExportEmptyInput(t *testing.T) {
	srv := NewExporterService(keystore.DefaultPassphrase, nil, log.NewNopLogger())
	for _, input := range []string{"", "\n\n", "   \n"} {
		if _, err := srv.Export(context.Background(), input); err != ErrEmptyInput {
			t.Errorf("Input %q: got %v; want %v", input, err, ErrEmptyInput)
		}
	}
}

func TestExportCancelled(t *testing.T) {
	srv := NewExporterService(keystore.DefaultPassphrase, nil, log.NewNopLogger(), WithGenerator(fastGenerator()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := srv.Export(ctx, "CN=Erin\nCN=Frank")
	if err != context.Canceled {
		t.Errorf("Got %v; want %v", err, context.Canceled)
	}
	if len(run.Results) != 0 {
		t.Errorf("Got %d results for a cancelled run; want 0", len(run.Results))
	}
}

func TestGetRun(t *testing.T) {
	stu := setup(t)
	srv := NewExporterService(keystore.DefaultPassphrase, nil, log.NewNopLogger(), WithLedger(stu.ledger), WithGenerator(fastGenerator()))
	ctx := context.Background()

	run, err := srv.Export(ctx, "CN=Grace\nbad line")
	if err != nil {
		t.Fatalf("Export returned an error: %s", err)
	}

	testCases := []struct {
		name  string
		runID string
		count int
		ret   error
	}{
		{"Run exists", run.ID, 2, nil},
		{"Run ID is not a UUID", "not-a-uuid", 0, ErrInvalidRunID},
		{"Run does not exist", "0d9c6b0b-7a5e-4f5c-9f0e-2f6a3c1e8b11", 0, ErrInvalidRunID},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			records, err := srv.GetRun(ctx, tc.runID)
			if err != tc.ret {
				t.Fatalf("Got %v; want %v", err, tc.ret)
			}
			if len(records) != tc.count {
				t.Errorf("Got %d records; want %d", len(records), tc.count)
			}
		})
	}

	all, err := srv.GetRuns(ctx)
	if err != nil {
		t.Fatalf("GetRuns returned an error: %s", err)
	}
	if len(all) != 2 {
		t.Errorf("Got %d records; want 2", len(all))
	}
	if all[1].FailureKind != exporterrors.MalformedLine.String() {
		t.Errorf("Got failure kind %q; want %q", all[1].FailureKind, exporterrors.MalformedLine.String())
	}
}

func TestLedgerDisabled(t *testing.T) {
	srv := NewExporterService(keystore.DefaultPassphrase, nil, log.NewNopLogger())
	ctx := context.Background()

	if _, err := srv.GetRuns(ctx); err != ErrLedgerDisabled {
		t.Errorf("GetRuns: got %v; want %v", err, ErrLedgerDisabled)
	}
	if _, err := srv.GetRun(ctx, "0d9c6b0b-7a5e-4f5c-9f0e-2f6a3c1e8b11"); err != ErrLedgerDisabled {
		t.Errorf("GetRun: got %v; want %v", err, ErrLedgerDisabled)
	}
}

func fastGenerator() *crypto.Generator {
	return crypto.NewGenerator(crypto.WithKeyBits(1024))
}

func setup(t *testing.T) *serviceSetUp {
	t.Helper()

	logger := log.NewNopLogger()
	dir := t.TempDir()
	files, err := file.NewFile(dir, logger)
	if err != nil {
		t.Fatalf("Unable to start file store: %s", err)
	}
	ledger, err := db.NewDB(db.SqliteDriver, ":memory:", logger)
	if err != nil {
		t.Fatalf("Unable to start ledger: %s", err)
	}
	return &serviceSetUp{dir: dir, files: files, ledger: ledger}
}
