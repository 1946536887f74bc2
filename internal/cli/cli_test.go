package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/winnow/internal/triage"
	"github.com/linnemanlabs/winnow/internal/triage/memstore"
	"github.com/linnemanlabs/winnow/internal/triageapi"
)

const testToken = "tok"

type catalog struct{}

func (catalog) ListByPartition(context.Context, string, int, int) ([]triage.Item, error) {
	return []triage.Item{}, nil
}

func (catalog) Search(_ context.Context, name string, _ int) ([]triage.Item, error) {
	if strings.EqualFold(name, "tetris") {
		return []triage.Item{{ID: 77, Name: "Tetris"}}, nil
	}
	return nil, nil
}

func (catalog) ListPlatforms(context.Context) ([]triage.Platform, error) {
	return []triage.Platform{{ID: 4, Name: "Nintendo 64", Slug: "n64"}}, nil
}

// newServer starts the real API and returns its URL plus the store behind it.
func newServer(t *testing.T) (string, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	svc := triage.NewService(triage.Config{Store: store, Catalog: catalog{}})
	t.Cleanup(svc.Close)

	r := chi.NewRouter()
	triageapi.New(nil, svc, testToken).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL, store
}

// run executes winnowctl with args and returns stdout and stderr.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func seed(t *testing.T, store *memstore.Store, key string, kept, rejected []triage.Item) {
	t.Helper()
	if _, err := store.PutOne(context.Background(), key, kept, rejected); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestPlatforms(t *testing.T) {
	t.Parallel()
	url, _ := newServer(t)

	out, _, err := run(t, "", "--server", url, "platforms")
	if err != nil {
		t.Fatalf("platforms: %v", err)
	}
	if !strings.Contains(out, "ID") || !strings.Contains(out, "Nintendo 64") || !strings.Contains(out, "n64") {
		t.Errorf("output = %q", out)
	}
}

func TestExport_Stdout(t *testing.T) {
	t.Parallel()
	url, store := newServer(t)
	seed(t, store, "4", []triage.Item{{ID: 1, Name: "One"}}, []triage.Item{{ID: 2}})

	out, _, err := run(t, "", "--server", url, "export", "4")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc triage.ListsDocument
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if doc.Partition != "4" || len(doc.Favorites) != 1 || len(doc.Deleted) != 1 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestExportImport_File(t *testing.T) {
	t.Parallel()
	url, store := newServer(t)
	seed(t, store, "4", []triage.Item{{ID: 1, Name: "One"}, {ID: 3}}, []triage.Item{{ID: 2}})

	path := filepath.Join(t.TempDir(), "n64.json")
	_, stderr, err := run(t, "", "--server", url, "export", "4", "-o", path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(stderr, "Exported 2 kept and 1 rejected") {
		t.Errorf("stderr = %q", stderr)
	}

	out, _, err := run(t, "", "--server", url, "--token", testToken, "import", "8", path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "2 kept, 1 rejected") {
		t.Errorf("import output = %q", out)
	}
	p, err := store.Get(context.Background(), "8")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(p.Kept) != 2 || len(p.Rejected) != 1 {
		t.Errorf("imported partition = %+v", p)
	}
}

func TestImport_Stdin(t *testing.T) {
	t.Parallel()
	url, store := newServer(t)

	_, _, err := run(t, `{"favorites":[{"id":5,"name":"Five"}]}`, "--server", url, "--token", testToken, "import", "4", "-")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if p, _ := store.Get(context.Background(), "4"); len(p.Kept) != 1 || p.Kept[0].ID != 5 {
		t.Errorf("partition = %+v", p)
	}
}

func TestImport_MissingToken(t *testing.T) {
	t.Parallel()
	url, store := newServer(t)

	if _, _, err := run(t, `{"favorites":[{"id":5}]}`, "--server", url, "--token", "", "import", "4", "-"); err == nil {
		t.Fatal("expected error without token")
	}
	if p, _ := store.Get(context.Background(), "4"); len(p.Kept) != 0 {
		t.Errorf("partition changed without auth: %+v", p)
	}
}

func TestImport_InvalidDocument(t *testing.T) {
	t.Parallel()
	url, _ := newServer(t)

	_, _, err := run(t, `{"favorites":[{"name":"no id"}]}`, "--server", url, "--token", testToken, "import", "4", "-")
	if err == nil || !strings.Contains(err.Error(), "import partition 4") {
		t.Fatalf("err = %v", err)
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	url, store := newServer(t)

	path := filepath.Join(t.TempDir(), "gamelist.xml")
	body := `<gameList><game><name>Tetris</name></game><game><name>Nothing Like It</name></game></gameList>`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "", "--server", url, "--token", testToken, "-v", "reconcile", "4", path)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, want := range []string{"2 entries, 1 matched, 1 unmatched", "matched   Tetris", "unmatched Nothing Like It"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	p, _ := store.Get(context.Background(), "4")
	if len(p.Kept) != 1 || p.Kept[0].ID != 77 || !p.Kept[0].Collected {
		t.Errorf("partition = %+v", p)
	}
}

func TestReconcile_BadFormatFlag(t *testing.T) {
	t.Parallel()
	url, _ := newServer(t)

	if _, _, err := run(t, "games: []", "--server", url, "reconcile", "4", "-", "--format", "csv"); err == nil {
		t.Fatal("expected error for csv")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stdin   string
		args    []string
		cleared bool
	}{
		{"confirmed", "y\n", nil, true},
		{"yes", "YES\n", nil, true},
		{"declined", "n\n", nil, false},
		{"no input", "", nil, false},
		{"forced", "", []string{"--force"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url, store := newServer(t)
			seed(t, store, "4", []triage.Item{{ID: 1}}, nil)

			args := append([]string{"--server", url, "--token", testToken, "clear", "4"}, tt.args...)
			out, _, err := run(t, tt.stdin, args...)
			if err != nil {
				t.Fatalf("clear: %v", err)
			}
			p, _ := store.Get(context.Background(), "4")
			if got := len(p.Kept) == 0; got != tt.cleared {
				t.Errorf("cleared = %v, want %v (output %q)", got, tt.cleared, out)
			}
		})
	}
}

func TestResolveFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flag, path string
		want       triage.ImportFormat
		wantErr    bool
	}{
		{"", "list.xml", triage.FormatXML, false},
		{"", "list.YML", triage.FormatYAML, false},
		{"", "list.json", triage.FormatJSON, false},
		{"", "-", "", false},
		{"gamelist", "list.json", triage.FormatXML, false},
		{"csv", "list.csv", "", true},
	}
	for _, tt := range tests {
		got, err := resolveFormat(tt.flag, tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveFormat(%q, %q) = %q, %v", tt.flag, tt.path, got, err)
		}
	}
}

func TestEmptyServer(t *testing.T) {
	t.Parallel()
	if _, _, err := run(t, "", "--server", "", "platforms"); err == nil {
		t.Fatal("expected error without server")
	}
}
