package services

import (
	"context"
	"fmt"
	"time"

	"github.com/buildrelay/api/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionResolver maps inbound queries to the authoritative session identity.
// A session id is decided exactly once, when the thread is created; webhooks
// reporting different worker-internal ids later can never change it.
type SessionResolver struct {
	db *gorm.DB
}

// NewSessionResolver creates a new session resolver
func NewSessionResolver(db *gorm.DB) *SessionResolver {
	return &SessionResolver{db: db}
}

// ResolvePath resolves a project/task[/sub-project] path to the owning
// sub-project. Names are not unique, so each segment picks the most recently
// created match (last write wins). Missing segments fail with ErrNotFound.
func (r *SessionResolver) ResolvePath(ctx context.Context, projectName, taskName, subProjectName string) (*model.SubProject, error) {
	var project model.Project
	err := r.db.WithContext(ctx).
		Where("name = ?", projectName).
		Order("created_at DESC, id DESC").
		First(&project).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("project %q: %w", projectName, ErrNotFound)
		}
		return nil, err
	}

	var task model.Task
	err = r.db.WithContext(ctx).
		Where("project_id = ? AND name = ?", project.ID, taskName).
		Order("created_at DESC, id DESC").
		First(&task).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("task %q: %w", taskName, ErrNotFound)
		}
		return nil, err
	}

	query := r.db.WithContext(ctx).Where("task_id = ?", task.ID)
	if subProjectName != "" {
		query = query.Where("name = ?", subProjectName)
	}

	var subProject model.SubProject
	err = query.Order("created_at DESC, id DESC").First(&subProject).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			if subProjectName != "" {
				return nil, fmt.Errorf("sub-project %q: %w", subProjectName, ErrNotFound)
			}
			return nil, fmt.Errorf("task %q has no sub-projects: %w", taskName, ErrNotFound)
		}
		return nil, err
	}

	return &subProject, nil
}

// ResolveSession returns the session for an explicit agent session id, or
// creates a new one under subProjectID when sessionID is empty. On creation
// the session id is generated server-side and ParentSessionID is set to the
// first id seen; both are immutable afterwards.
func (r *SessionResolver) ResolveSession(ctx context.Context, userID uint, subProjectID uint, sessionID string) (*model.ChatSession, bool, error) {
	if sessionID != "" {
		var session model.ChatSession
		err := r.db.WithContext(ctx).
			Where("agent_session_id = ?", sessionID).
			First(&session).Error
		if err == nil {
			return &session, false, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, false, err
		}
		if subProjectID == 0 {
			// Unknown client-supplied id with nowhere to attach a new thread
			return nil, false, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
		}
		// Unknown client-supplied id with a resolved sub-project: establish
		// it as a new thread so the client-chosen identity stays
		// authoritative.
	}

	newID := sessionID
	if newID == "" {
		newID = uuid.New().String()
	}

	session := model.ChatSession{
		AgentSessionID:  newID,
		ParentSessionID: newID,
		SubProjectID:    subProjectID,
		UserID:          userID,
		Status:          "active",
	}
	if err := r.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, false, err
	}

	return &session, true, nil
}

// CreateUserTurn appends the user's utterance to the session
func (r *SessionResolver) CreateUserTurn(ctx context.Context, session *model.ChatSession, content string) (*model.ChatMessage, error) {
	turn := model.ChatMessage{
		SessionID:  session.ID,
		UserID:     session.UserID,
		Role:       model.MessageRoleUser,
		Content:    content,
		IsComplete: true,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&turn).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.Model(&model.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

// CreateAssistantTurn appends the assistant placeholder that hooks will fill
// in as the worker reports progress. parentID links a continuation turn back
// to the turn it extends.
func (r *SessionResolver) CreateAssistantTurn(ctx context.Context, session *model.ChatSession, parentID *uint, continuationCount int) (*model.ChatMessage, error) {
	turn := model.ChatMessage{
		SessionID:          session.ID,
		UserID:             session.UserID,
		Role:               model.MessageRoleAssistant,
		ContinuationStatus: model.ContinuationNone,
		ContinuationCount:  continuationCount,
		ParentMessageID:    parentID,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&turn).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.Model(&model.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

// SessionByChatID loads the session owning a turn. Unknown chat ids fail
// with ErrNotFound, which webhook handlers surface as a 404 so the worker
// can retry per its own policy.
func (r *SessionResolver) SessionByChatID(ctx context.Context, chatID uint) (*model.ChatSession, *model.ChatMessage, error) {
	var turn model.ChatMessage
	if err := r.db.WithContext(ctx).First(&turn, chatID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
		}
		return nil, nil, err
	}

	var session model.ChatSession
	if err := r.db.WithContext(ctx).First(&session, turn.SessionID).Error; err != nil {
		return nil, nil, err
	}

	return &session, &turn, nil
}

// ListSessionTurns returns all turns persisted under the given agent session
// id, oldest first. Listing an id the resolver never established returns
// ErrNotFound.
func (r *SessionResolver) ListSessionTurns(ctx context.Context, sessionID string) (*model.ChatSession, []model.ChatMessage, error) {
	var session model.ChatSession
	err := r.db.WithContext(ctx).
		Where("agent_session_id = ?", sessionID).
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
		}
		return nil, nil, err
	}

	var turns []model.ChatMessage
	err = r.db.WithContext(ctx).
		Where("session_id = ?", session.ID).
		Order("id ASC").
		Find(&turns).Error
	if err != nil {
		return nil, nil, err
	}

	return &session, turns, nil
}
