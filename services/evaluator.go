package services

import (
	"context"

	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/services/worker"
)

// WorkerEvaluator asks the agent worker to judge whether a finished turn
// left the conversation incomplete. It is the default CompletenessEvaluator;
// tests inject deterministic fakes instead.
type WorkerEvaluator struct {
	client *worker.Client
}

// NewWorkerEvaluator creates an evaluator backed by the worker
func NewWorkerEvaluator(client *worker.Client) *WorkerEvaluator {
	return &WorkerEvaluator{client: client}
}

// Evaluate sends the recent turns to the worker's evaluation endpoint
func (e *WorkerEvaluator) Evaluate(ctx context.Context, session *model.ChatSession, turns []model.ChatMessage) (*Evaluation, error) {
	req := worker.EvaluateRequest{
		SessionID: session.AgentSessionID,
	}
	for _, turn := range turns {
		req.Turns = append(req.Turns, worker.EvaluateTurn{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	resp, err := e.client.EvaluateCompleteness(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Evaluation{
		NeedsContinuation:  resp.NeedsContinuation,
		ContinuationPrompt: resp.ContinuationPrompt,
		Confidence:         resp.Confidence,
		Reasoning:          resp.Reasoning,
	}, nil
}
