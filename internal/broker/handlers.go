package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/annolab/annobroker/internal/assigner"
	"github.com/annolab/annobroker/internal/events"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/rpc"
	"github.com/annolab/annobroker/internal/store"
)

// registerHandlers registers the RPC command handlers.
func (b *Broker) registerHandlers() {
	b.server.Handle("ping", func(req *rpc.Request) *rpc.Response {
		return rpc.SuccessResponse(map[string]string{"status": "ok"})
	})

	b.server.Handle("assign_next", b.handleAssignNext)
	b.server.Handle("take_back", b.handleTakeback)
	b.server.Handle("commit_annotation", b.handleCommit)
	b.server.Handle("drawback", b.handleDrawback)
	b.server.Handle("progress", b.handleProgress)
	b.server.Handle("stats", b.handleStats)

	b.server.Handle("shutdown", func(req *rpc.Request) *rpc.Response {
		b.log(LogLevelInfo, "shutdown requested via rpc")
		go b.Shutdown()
		return rpc.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (b *Broker) handleAssignNext(req *rpc.Request) *rpc.Response {
	params, resp := parseAssignParams(req)
	if resp != nil {
		return resp
	}

	b.lockMap.Lock(string(params.Domain))
	result, err := b.assigner.Advance(params.User, params.Domain, params.Round)
	b.lockMap.Unlock(string(params.Domain))
	if err != nil {
		b.log(LogLevelWarn, "assign_next user=%s domain=%s round=%d error=%v",
			params.User, params.Domain, params.Round, err)
		return errorResponse(err)
	}

	if result.State == model.StateCommitted {
		b.log(LogLevelInfo, "assigned user=%s domain=%s round=%d video=%s",
			params.User, params.Domain, params.Round, result.Task.VideoPath)
		b.bus.Publish(events.EventAssigned, map[string]interface{}{
			"user":       params.User,
			"domain":     string(params.Domain),
			"video_path": result.Task.VideoPath,
			"round":      params.Round,
		})
	} else {
		b.log(LogLevelInfo, "exhausted user=%s domain=%s round=%d",
			params.User, params.Domain, params.Round)
	}
	return rpc.SuccessResponse(result)
}

func (b *Broker) handleTakeback(req *rpc.Request) *rpc.Response {
	params, resp := parseAssignParams(req)
	if resp != nil {
		return resp
	}
	if params.LastVideoPath == "" {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, "take_back requires last_video_path")
	}

	b.lockMap.Lock(string(params.Domain))
	result, err := b.assigner.Takeback(params.User, params.Domain, params.Round, params.LastVideoPath)
	b.lockMap.Unlock(string(params.Domain))
	if err != nil {
		b.log(LogLevelWarn, "take_back user=%s domain=%s video=%s error=%v",
			params.User, params.Domain, params.LastVideoPath, err)
		return errorResponse(err)
	}

	b.log(LogLevelInfo, "reverted user=%s domain=%s round=%d video=%s",
		params.User, params.Domain, params.Round, params.LastVideoPath)
	b.bus.Publish(events.EventReverted, map[string]interface{}{
		"user":       params.User,
		"domain":     string(params.Domain),
		"video_path": params.LastVideoPath,
		"round":      params.Round,
	})
	return rpc.SuccessResponse(result)
}

func (b *Broker) handleCommit(req *rpc.Request) *rpc.Response {
	var params model.CommitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if _, err := model.ParseDomain(string(params.Domain)); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}
	if params.User == "" || params.VideoPath == "" {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, "username and video_path are required")
	}
	if !model.ValidRound(params.Round) {
		return rpc.ErrorResponse(rpc.ErrCodeValidation,
			fmt.Sprintf("round %d out of range 0-%d", params.Round, model.MaxRound))
	}

	b.lockMap.Lock(string(params.Domain))
	result, err := b.assigner.Commit(params)
	b.lockMap.Unlock(string(params.Domain))
	if err != nil {
		b.log(LogLevelWarn, "commit user=%s domain=%s video=%s error=%v",
			params.User, params.Domain, params.VideoPath, err)
		return errorResponse(err)
	}

	b.log(LogLevelInfo, "saved user=%s domain=%s video=%s finished=%t duplicate=%t",
		params.User, params.Domain, params.VideoPath, params.IsFinished, result.Duplicate)
	b.bus.Publish(events.EventSaved, map[string]interface{}{
		"user":        params.User,
		"domain":      string(params.Domain),
		"video_path":  params.VideoPath,
		"round":       params.Round,
		"is_finished": params.IsFinished,
	})
	return rpc.SuccessResponse(result)
}

func (b *Broker) handleDrawback(req *rpc.Request) *rpc.Response {
	var params model.DrawbackParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if _, err := model.ParseDomain(string(params.Domain)); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}
	if params.VideoPath == "" {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, "video_path is required")
	}

	b.lockMap.Lock(string(params.Domain))
	result, err := b.assigner.Drawback(params.Domain, params.VideoPath)
	b.lockMap.Unlock(string(params.Domain))
	if err != nil {
		b.log(LogLevelWarn, "drawback domain=%s video=%s error=%v",
			params.Domain, params.VideoPath, err)
		return errorResponse(err)
	}

	b.log(LogLevelInfo, "drawback domain=%s video=%s from_user=%s",
		params.Domain, params.VideoPath, result.User)
	b.bus.Publish(events.EventDrawback, map[string]interface{}{
		"user":       result.User,
		"domain":     string(params.Domain),
		"video_path": params.VideoPath,
	})
	return rpc.SuccessResponse(result)
}

func (b *Broker) handleProgress(req *rpc.Request) *rpc.Response {
	var params model.ProgressParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if _, err := model.ParseDomain(string(params.Domain)); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}
	if params.User == "" {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, "username is required")
	}

	b.lockMap.Lock(string(params.Domain))
	result, err := b.assigner.Progress(params.User, params.Domain)
	b.lockMap.Unlock(string(params.Domain))
	if err != nil {
		return errorResponse(err)
	}
	return rpc.SuccessResponse(result)
}

func (b *Broker) handleStats(req *rpc.Request) *rpc.Response {
	result := model.StatsResult{
		PID:         os.Getpid(),
		UptimeSec:   int64(time.Since(b.startedAt).Seconds()),
		Domains:     make(map[model.Domain]model.DomainStats),
		EventsSeen:  b.audit.Written(),
		LastReloads: make(map[model.Domain]string),
	}

	for _, domain := range model.Domains() {
		if !b.store.Exists(domain) {
			continue
		}

		b.lockMap.Lock(string(domain))
		doc, err := b.store.Load(domain)
		b.lockMap.Unlock(string(domain))

		stats := model.DomainStats{Invariant: "ok"}
		if err != nil {
			stats.Invariant = err.Error()
		} else {
			stats.Unassigned = len(doc.Unassigned)
			stats.Assigned = len(doc.Assigned)
		}
		result.Domains[domain] = stats
	}

	b.invMu.Lock()
	for domain, t := range b.lastReloads {
		result.LastReloads[domain] = t.UTC().Format(time.RFC3339)
	}
	b.invMu.Unlock()

	return rpc.SuccessResponse(result)
}

// parseAssignParams decodes and validates the shared assign/takeback
// payload. A non-nil response is the validation failure to return.
func parseAssignParams(req *rpc.Request) (model.AssignParams, *rpc.Response) {
	var params model.AssignParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, rpc.ErrorResponse(rpc.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if _, err := model.ParseDomain(string(params.Domain)); err != nil {
		return params, rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}
	if params.User == "" {
		return params, rpc.ErrorResponse(rpc.ErrCodeValidation, "username is required")
	}
	if !model.ValidRound(params.Round) {
		return params, rpc.ErrorResponse(rpc.ErrCodeValidation,
			fmt.Sprintf("round %d out of range 0-%d", params.Round, model.MaxRound))
	}
	return params, nil
}

// errorResponse maps the assigner/store error taxonomy onto rpc codes.
func errorResponse(err error) *rpc.Response {
	switch {
	case errors.Is(err, store.ErrCorruptState):
		return rpc.ErrorResponse(rpc.ErrCodeCorruptState, err.Error())
	case errors.Is(err, assigner.ErrConflict):
		return rpc.ErrorResponse(rpc.ErrCodeConflict, err.Error())
	case errors.Is(err, assigner.ErrUploadMismatch):
		return rpc.ErrorResponse(rpc.ErrCodeUploadMismatch, err.Error())
	case errors.Is(err, assigner.ErrNotFound):
		return rpc.ErrorResponse(rpc.ErrCodeNotFound, err.Error())
	default:
		return rpc.ErrorResponse(rpc.ErrCodeInternal, err.Error())
	}
}
