// Package httpapi serves the annotation endpoints the GUI clients call.
// Each server process is stateless: every pool or ledger operation is
// forwarded to the broker daemon over the unix-socket RPC, so any number of
// these processes can run on different ports against one state root.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/annolab/annobroker/internal/bundle"
	"github.com/annolab/annobroker/internal/fileio"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/rpc"
)

const defaultMaxUploadBytes = 512 * 1024 * 1024

// Server is one HTTP annotation worker.
type Server struct {
	root   string
	config model.Config
	client *rpc.Client
	logger *log.Logger

	// progress collapses concurrent identical count lookups
	progress singleflight.Group

	httpServer *http.Server
}

func New(root, addr string, cfg model.Config) *Server {
	client := rpc.NewClient(filepath.Join(root, rpc.DefaultSocketName))
	if cfg.HTTP.RPCTimeoutSec > 0 {
		client.SetTimeout(time.Duration(cfg.HTTP.RPCTimeoutSec) * time.Second)
	}

	s := &Server{
		root:   root,
		config: cfg,
		client: client,
		logger: log.New(os.Stderr, "", 0),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /get_video_and_anno_sam", s.handleGetVideo(model.DomainSAM))
	mux.HandleFunc("POST /get_video_and_anno_lang", s.handleGetVideo(model.DomainLang))
	mux.HandleFunc("POST /save_anno", s.handleSaveAnno)
	mux.HandleFunc("POST /drawback_video_sam", s.handleDrawback(model.DomainSAM))
	mux.HandleFunc("POST /drawback_video_lang", s.handleDrawback(model.DomainLang))
	mux.HandleFunc("POST /progress", s.handleProgress)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	readTimeout := cfg.HTTP.ReadTimeoutSec
	if readTimeout <= 0 {
		readTimeout = 300
	}
	writeTimeout := cfg.HTTP.WriteTimeoutSec
	if writeTimeout <= 0 {
		writeTimeout = 300
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logf("http server listening on %s root=%s", s.httpServer.Addr, s.root)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type getVideoRequest struct {
	Username      string `json:"username"`
	Mode          string `json:"mode"`
	LastVideoPath string `json:"last_video_path"`
	Round         int    `json:"re_anno"`
}

func (s *Server) handleGetVideo(domain model.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req getVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		mode, err := model.ParseNavMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		command := "assign_next"
		if mode == model.NavTakeback {
			command = "take_back"
		}
		params := model.AssignParams{
			User:          req.Username,
			Domain:        domain,
			Mode:          req.Mode,
			Round:         req.Round,
			LastVideoPath: req.LastVideoPath,
		}

		resp, err := s.client.SendCommand(command, params)
		if err != nil {
			s.logf("broker unreachable: %v", err)
			http.Error(w, "broker unreachable", http.StatusBadGateway)
			return
		}
		if !resp.Success {
			writeRPCError(w, resp.Error)
			return
		}

		var result model.AssignResult
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			http.Error(w, fmt.Sprintf("malformed broker response: %v", err), http.StatusInternalServerError)
			return
		}

		// Exhausted, or a take-back with no previous entry to re-surface:
		// an explicit no-content signal, not an error.
		if result.Task == nil {
			w.Header().Set("X-Assign-State", string(result.State))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		s.writeTaskBundle(w, domain, req.Username, &result)
	}
}

// writeTaskBundle reads the video and prior annotation from the shared
// corpus and streams the delivery archive. Pool refs are relative to the
// state root.
func (s *Server) writeTaskBundle(w http.ResponseWriter, domain model.Domain, user string, result *model.AssignResult) {
	task := result.Task

	video, err := os.ReadFile(filepath.Join(s.root, task.VideoPath))
	if err != nil {
		s.logf("read video %s: %v", task.VideoPath, err)
		http.Error(w, fmt.Sprintf("read video: %v", err), http.StatusInternalServerError)
		return
	}

	var prior []byte
	if task.SourceAnnotationRef != "" {
		prior, err = os.ReadFile(filepath.Join(s.root, task.SourceAnnotationRef))
		if err != nil {
			if !os.IsNotExist(err) {
				s.logf("read prior annotation %s: %v", task.SourceAnnotationRef, err)
				http.Error(w, fmt.Sprintf("read prior annotation: %v", err), http.StatusInternalServerError)
				return
			}
			// lang tasks normally carry a prior blob; sam tasks may not.
			prior = nil
		}
	}

	manifest := bundle.Manifest{
		User:          user,
		Domain:        domain,
		VideoPath:     task.VideoPath,
		SavePath:      task.OutputRef,
		Round:         result.Round,
		HistoryNumber: result.HistoryNumber,
		IsFinished:    result.IsFinished,
		Counts:        &result.Counts,
	}

	var buf bytes.Buffer
	if err := bundle.WriteTask(&buf, manifest, video, prior); err != nil {
		s.logf("package task %s: %v", task.VideoPath, err)
		http.Error(w, fmt.Sprintf("package task: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Assign-State", string(result.State))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, &buf); err != nil {
		s.logf("stream bundle %s: %v", task.VideoPath, err)
	}
}

func (s *Server) handleSaveAnno(w http.ResponseWriter, r *http.Request) {
	maxUpload := s.config.Limits.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxUpload))

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart form: %v", err), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("anno_file")
	if err != nil {
		http.Error(w, "anno_file is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("read upload: %v", err), http.StatusBadRequest)
		return
	}

	up, err := bundle.ReadUpload(bytes.NewReader(data), int64(len(data)), maxUpload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	savePath := r.FormValue("save_path")
	if savePath == "" {
		savePath = up.Manifest.SavePath
	} else if up.Manifest.SavePath != "" && savePath != up.Manifest.SavePath {
		http.Error(w, "save_path form field does not match bundle manifest", http.StatusBadRequest)
		return
	}

	// Validate and record the commit first; the payload is written only for
	// an accepted upload, so a mismatched bundle leaves no file behind.
	params := model.CommitParams{
		User:       up.Manifest.User,
		Domain:     up.Manifest.Domain,
		VideoPath:  up.Manifest.VideoPath,
		SavePath:   savePath,
		Round:      up.Manifest.Round,
		IsFinished: up.Manifest.IsFinished,
	}
	resp, err := s.client.SendCommand("commit_annotation", params)
	if err != nil {
		s.logf("broker unreachable: %v", err)
		http.Error(w, "broker unreachable", http.StatusBadGateway)
		return
	}
	if !resp.Success {
		writeRPCError(w, resp.Error)
		return
	}

	outPath := filepath.Join(s.root, savePath)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		http.Error(w, fmt.Sprintf("create output dir: %v", err), http.StatusInternalServerError)
		return
	}
	if err := fileio.AtomicWriteRaw(outPath, up.Payload); err != nil {
		s.logf("write annotation %s: %v", savePath, err)
		http.Error(w, fmt.Sprintf("write annotation: %v", err), http.StatusInternalServerError)
		return
	}

	s.logf("saved user=%s domain=%s video=%s", params.User, params.Domain, params.VideoPath)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "success")
}

type drawbackRequest struct {
	VideoPath string `json:"video_path"`
}

func (s *Server) handleDrawback(domain model.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req drawbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		resp, err := s.client.SendCommand("drawback", model.DrawbackParams{
			Domain:    domain,
			VideoPath: req.VideoPath,
		})
		if err != nil {
			http.Error(w, "broker unreachable", http.StatusBadGateway)
			return
		}
		if !resp.Success {
			writeRPCError(w, resp.Error)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp.Data)
	}
}

type progressRequest struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	domain, err := model.ParseDomain(req.Domain)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The GUI polls counts aggressively; collapse identical lookups.
	key := req.Username + ":" + req.Domain
	v, err, _ := s.progress.Do(key, func() (interface{}, error) {
		resp, err := s.client.SendCommand("progress", model.ProgressParams{
			User:   req.Username,
			Domain: domain,
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		http.Error(w, "broker unreachable", http.StatusBadGateway)
		return
	}

	resp := v.(*rpc.Response)
	if !resp.Success {
		writeRPCError(w, resp.Error)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp.Data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp, err := s.client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		http.Error(w, "broker unreachable", http.StatusBadGateway)
		return
	}
	fmt.Fprint(w, "ok")
}

// writeRPCError translates broker error codes to distinct HTTP statuses.
func writeRPCError(w http.ResponseWriter, detail *rpc.ErrorDetail) {
	if detail == nil {
		http.Error(w, "unknown broker error", http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch detail.Code {
	case rpc.ErrCodeValidation, rpc.ErrCodeProtocolMismatch, rpc.ErrCodeUnknownCommand:
		status = http.StatusBadRequest
	case rpc.ErrCodeConflict:
		status = http.StatusConflict
	case rpc.ErrCodeUploadMismatch:
		status = http.StatusUnprocessableEntity
	case rpc.ErrCodeNotFound:
		status = http.StatusNotFound
	case rpc.ErrCodeCorruptState, rpc.ErrCodeInternal:
		status = http.StatusInternalServerError
	}
	http.Error(w, detail.Code+": "+detail.Message, status)
}

func (s *Server) logf(format string, args ...any) {
	s.logger.Printf("%s httpapi: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
