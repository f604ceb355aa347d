package services

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/buildrelay/api/model"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq int64

// newTestDB opens a fresh in-memory database per test and migrates the
// full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A named shared-cache DSN keeps every connection in the pool on the
	// same in-memory database.
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// One connection: concurrent transactions queue on the pool instead of
	// tripping sqlite's shared-cache table locks.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.User{},
		&model.Project{},
		&model.Task{},
		&model.SubProject{},
		&model.ChatSession{},
		&model.ChatMessage{},
		&model.ChatHook{},
		&model.ApprovalRequest{},
		&model.CoinTransaction{},
		&model.AppSetting{},
		&model.CronJobLog{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func createTestUser(t *testing.T, db *gorm.DB, balance int64) *model.User {
	t.Helper()
	user := &model.User{
		Email:       fmt.Sprintf("user%d@example.com", atomic.AddInt64(&testDBSeq, 1)),
		Name:        "Test User",
		CoinBalance: balance,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// createTestHierarchy creates a project/task/sub-project chain and returns
// the sub-project.
func createTestHierarchy(t *testing.T, db *gorm.DB, userID uint, project, task, subProject string) *model.SubProject {
	t.Helper()
	p := &model.Project{Name: project, UserID: userID}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	tk := &model.Task{Name: task, ProjectID: p.ID}
	if err := db.Create(tk).Error; err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	sp := &model.SubProject{Name: subProject, TaskID: tk.ID}
	if err := db.Create(sp).Error; err != nil {
		t.Fatalf("failed to create sub-project: %v", err)
	}
	return sp
}
