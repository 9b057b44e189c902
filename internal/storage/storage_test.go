package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"settlebot/internal/reminder"
	logx "settlebot/pkg/logx"
)

func sampleRecords() []reminder.Record {
	return []reminder.Record{
		{ID: "a", Kind: "weekly", Label: "BBG NON FARM FORCAST", Day: "Monday", Time: "09:00:00"},
		{ID: "b", Kind: "event", Label: "財務報告", At: "2025:06:10 14:00:00"},
		{ID: "c", Kind: "daily", Label: "早報", Time: "08:30:00"},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logxNop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logxNop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestStoresRoundTripSpecs(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			name := "reminders.yaml"
			if driver == "sqlite" {
				name = "settlebot.db"
			}
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), name), BusyTimeout: time.Second}, logxNop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer st.Close()
			ctx := context.Background()

			got, err := st.LoadSpecs(ctx)
			if err != nil || len(got) != 0 {
				t.Fatalf("fresh store: %v %v", got, err)
			}
			want := sampleRecords()
			if err := st.SaveSpecs(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err = st.LoadSpecs(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %+v\nwant %+v", got, want)
			}

			if err := st.SaveSpecs(ctx, want[:1]); err != nil {
				t.Fatalf("save subset: %v", err)
			}
			got, _ = st.LoadSpecs(ctx)
			if len(got) != 1 || got[0].ID != "a" {
				t.Fatalf("subset not persisted: %+v", got)
			}

			if err := st.AppendDelivery(ctx, DeliveryRecord{FireAt: time.Now(), SpecID: "a", Message: "hi", Attempts: 1, OK: true}); err != nil {
				t.Fatalf("append delivery: %v", err)
			}
		})
	}
}

func TestFileStoreReadsHandEditedYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "reminders.yaml")
	doc := "reminders:\n" +
		"  - label: 早報\n    day: 每日\n    time: \"08:30:00\"\n" +
		"  - label: broken\n    day: Someday\n    time: \"09:00\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	recs, err := st.LoadSpecs(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 || recs[1].Day != "Someday" {
		t.Fatalf("records = %+v", recs)
	}
	if w, ok := st.(Watchable); !ok || w.SpecPath() != path {
		t.Fatal("file store should expose its spec path")
	}
}

func TestFileStoreDeliveryLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "reminders.yaml")}, logxNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.AppendDelivery(ctx, DeliveryRecord{SpecID: "x", Attempts: i + 1, Error: "boom"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "reminders.deliveries.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		n++
		if r.Attempts != n {
			t.Fatalf("line %d attempts = %d", n, r.Attempts)
		}
	}
	if n != 3 {
		t.Fatalf("lines = %d", n)
	}
}

func TestSQLiteRejectsRecordsWithoutID(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, logxNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.SaveSpecs(context.Background(), []reminder.Record{{Label: "no id"}}); err == nil {
		t.Fatal("expected error")
	}
}

func logxNop() logx.Logger { return logx.Nop() }

func TestFileStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "reminders.yaml")}, logxNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := st.SaveSpecs(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("save: %v", err)
	}
	if _, err := st.LoadSpecs(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("load: %v", err)
	}
	if err := st.AppendDelivery(ctx, DeliveryRecord{SpecID: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("append: %v", err)
	}
}
