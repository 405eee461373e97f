package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"
)

func TestNewFileID(t *testing.T) {
	id := NewFileID(time.UnixMilli(1700000000123))
	if !regexp.MustCompile(`^file_1700000000123_[0-9a-z]{7}$`).MatchString(id) {
		t.Fatalf("NewFileID() = %q", id)
	}
}

func testFileStore(t *testing.T, s FileStore) {
	ctx := context.Background()
	project := "proj_" + NewFileID(time.Now())

	f, err := s.CreateFile(ctx, project, "index.js", `console.log("Hello, world!");`)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	got, err := s.ReadFile(ctx, project, f.ID)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got.Name != "index.js" || got.Content != f.Content {
		t.Fatalf("ReadFile() = %+v, want %+v", got, f)
	}
	if _, err := s.ReadFile(ctx, "other", f.ID); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("ReadFile(other project) error = %v, want ErrFileNotFound", err)
	}

	up, err := s.UpdateFileContent(ctx, project, f.ID, "body {}")
	if err != nil {
		t.Fatalf("UpdateFileContent() error = %v", err)
	}
	if up.Content != "body {}" {
		t.Fatalf("UpdateFileContent() content = %q", up.Content)
	}
	if _, err := s.UpdateFileContent(ctx, project, "file_missing", "x"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("UpdateFileContent(missing) error = %v, want ErrFileNotFound", err)
	}

	files, err := s.ListFiles(ctx, project)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 1 || files[0].ID != f.ID {
		t.Fatalf("ListFiles() = %+v", files)
	}

	if err := s.DeleteFile(ctx, project, f.ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if err := s.DeleteFile(ctx, project, f.ID); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("DeleteFile(again) error = %v, want ErrFileNotFound", err)
	}
}

func TestMemoryFileStore(t *testing.T) {
	testFileStore(t, NewMemoryFileStore())
}

// 需要本地 mysql：COLLAB_TEST_MYSQL_DSN="root:pwd@tcp(127.0.0.1:3306)/codecollab?parseTime=true"
func mysqlDSN(t *testing.T) string {
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skipf("COLLAB_TEST_MYSQL_DSN not set, skip")
	}
	return dsn
}

func TestGormFileStore(t *testing.T) {
	db, err := InitMySQL(mysqlDSN(t))
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}
	testFileStore(t, NewGormFileStore(db))
}

func TestRoleStores(t *testing.T) {
	ctx := context.Background()
	check := func(t *testing.T, s RoleStore) {
		if r, err := s.Role(ctx, "p1", "u1"); err != nil || r != "" {
			t.Fatalf("Role(non-member) = %q, %v, want \"\", nil", r, err)
		}
		if err := s.SetRole(ctx, "p1", "u1", RoleViewer); err != nil {
			t.Fatalf("SetRole() error = %v", err)
		}
		if err := s.SetRole(ctx, "p1", "u1", RoleEditor); err != nil {
			t.Fatalf("SetRole(update) error = %v", err)
		}
		r, err := s.Role(ctx, "p1", "u1")
		if err != nil || r != RoleEditor || !r.CanEdit() {
			t.Fatalf("Role() = %q, %v, want editor", r, err)
		}
	}
	t.Run("memory", func(t *testing.T) { check(t, NewMemoryRoleStore()) })
	t.Run("gorm", func(t *testing.T) {
		db, err := InitMySQL(mysqlDSN(t))
		if err != nil {
			t.Skipf("mysql not available: %v", err)
		}
		db.Where("project_id = ?", "p1").Delete(&ProjectUser{})
		check(t, NewGormRoleStore(db))
	})
}

func TestSnapshotStore(t *testing.T) {
	db, err := OpenSQL(mysqlDSN(t))
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	s := NewSnapshotStore(db)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	key := "p1/" + NewFileID(time.Now())
	snap := testSnapshot()
	if err := s.SaveSnapshot(ctx, key, snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	// 同一版本再存一次：唯一键冲突按成功处理
	if err := s.SaveSnapshot(ctx, key, snap); err != nil {
		t.Fatalf("SaveSnapshot(duplicate) error = %v", err)
	}
	h, err := s.Latest(ctx, key)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if h == nil || h.Content != snap.Text || h.OpCount != 1 || h.Version["A"] != 1 {
		t.Fatalf("Latest() = %+v", h)
	}
}
