package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/auth"
	"github.com/example/aneurysm-check/internal/logging"
	"github.com/example/aneurysm-check/internal/nifti"
	"github.com/example/aneurysm-check/internal/pipeline"
	"github.com/example/aneurysm-check/internal/preprocess"
	"github.com/example/aneurysm-check/internal/repository"
	"github.com/example/aneurysm-check/internal/usecase"
)

// DefaultMaxUploadSize bounds a /predict request body.
const DefaultMaxUploadSize = 512 << 20

// multipartMemory is how much of a multipart form is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// PredictionService is the prediction use case as seen by the handlers.
type PredictionService interface {
	CheckFilename(filename string) (string, error)
	PredictUpload(ctx context.Context, filename string, body io.Reader) (string, *pipeline.Prediction, error)
}

// AccountService is the account use case as seen by the handlers.
type AccountService interface {
	Signup(ctx context.Context, req usecase.SignupRequest) (*repository.User, error)
	Login(ctx context.Context, username, password string) (*repository.User, error)
	GetAccount(ctx context.Context, id uint) (*repository.User, error)
}

// Options tune route behaviour.
type Options struct {
	MaxUploadBytes         int64
	RequireLoginForPredict bool
}

// Handler serves the HTTP API.
type Handler struct {
	predictions PredictionService
	accounts    AccountService
	sessions    *auth.Manager
	opts        Options
	logger      *zap.Logger
}

// NewHandler builds the HTTP handler set.
func NewHandler(predictions PredictionService, accounts AccountService, sessions *auth.Manager, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadSize
	}
	return &Handler{
		predictions: predictions,
		accounts:    accounts,
		sessions:    sessions,
		opts:        opts,
		logger:      logger.Named("handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	predict := []gin.HandlerFunc{h.predict}
	if h.opts.RequireLoginForPredict {
		predict = append([]gin.HandlerFunc{h.sessions.Middleware()}, predict...)
	}
	router.POST("/predict", predict...)

	router.POST("/login", h.login)
	router.POST("/signup", h.signup)
	router.GET("/logout", h.logout)
	router.GET("/session", h.sessions.Middleware(), h.session)
}

func (h *Handler) predict(c *gin.Context) {
	if c.Request.ContentLength > h.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	fh, status, msg := h.uploadedFile(c.Request)
	if fh == nil {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	if _, err := h.predictions.CheckFilename(fh.Filename); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file format. Please upload a .nii file."})
		return
	}

	src, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open upload"})
		return
	}
	defer src.Close()

	requestID, prediction, err := h.predictions.PredictUpload(c.Request.Context(), fh.Filename, src)
	if requestID != "" {
		c.Header("X-Request-ID", requestID)
	}
	if err != nil {
		status := predictionStatus(err)
		if status >= http.StatusInternalServerError {
			h.logFailure("prediction failed", requestID, err)
		}
		c.JSON(status, gin.H{"error": predictionMessage(err)})
		return
	}

	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{
			"request_id":  requestID,
			"label":       prediction.Label,
			"class_index": prediction.Index,
			"score":       prediction.Score,
			"scores":      prediction.Scores,
			"slice_index": prediction.SliceIndex,
		})
		return
	}
	c.String(http.StatusOK, prediction.Label)
}

// uploadedFile parses the multipart body and returns the "file" part, or
// the status and message to reply with.
func (h *Handler) uploadedFile(r *http.Request) (*multipart.FileHeader, int, string) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, http.StatusRequestEntityTooLarge, "file too large"
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			return nil, http.StatusBadRequest, "No file uploaded"
		default:
			return nil, http.StatusBadRequest, "malformed upload"
		}
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		// a file input submitted with nothing chosen arrives as a plain value
		if _, ok := r.MultipartForm.Value["file"]; ok {
			return nil, http.StatusBadRequest, "No selected file"
		}
		return nil, http.StatusBadRequest, "No file uploaded"
	}
	if files[0].Filename == "" {
		return nil, http.StatusBadRequest, "No selected file"
	}
	return files[0], 0, ""
}

func predictionStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, usecase.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, nifti.ErrFormat), errors.Is(err, preprocess.ErrDimension):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func predictionMessage(err error) string {
	switch predictionStatus(err) {
	case http.StatusRequestEntityTooLarge:
		return "file too large"
	case http.StatusBadRequest:
		return "Invalid file format. Please upload a .nii file."
	case http.StatusUnprocessableEntity:
		if errors.Is(err, preprocess.ErrDimension) {
			return "volume has unusable dimensions"
		}
		return "file is not a readable NIfTI volume"
	default:
		return "prediction failed"
	}
}

func (h *Handler) login(c *gin.Context) {
	user, err := h.accounts.Login(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"msg": "Incorrect username/password!"})
			return
		}
		h.logFailure("login failed", "", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "login unavailable"})
		return
	}

	token, _, err := h.sessions.Issue(user.ID, user.Username)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "login unavailable"})
		return
	}
	h.sessions.SetCookie(c, token)
	c.Redirect(http.StatusSeeOther, "/preview")
}

func (h *Handler) signup(c *gin.Context) {
	_, err := h.accounts.Signup(c.Request.Context(), usecase.SignupRequest{
		Username: c.PostForm("username"),
		Password: c.PostForm("password"),
		Email:    c.PostForm("email"),
	})
	var verr *usecase.ValidationError
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, "/login")
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"msg": verr.Error()})
	case errors.Is(err, usecase.ErrEmailConflict):
		c.JSON(http.StatusConflict, gin.H{"msg": "Email already registered!"})
	case errors.Is(err, usecase.ErrAccountConflict):
		c.JSON(http.StatusConflict, gin.H{"msg": "Account already exists!"})
	default:
		h.logFailure("signup failed", "", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "signup unavailable"})
	}
}

func (h *Handler) logout(c *gin.Context) {
	if claims, err := h.sessions.FromRequest(c.Request); err == nil {
		if err := h.sessions.Revoke(c.Request.Context(), claims); err != nil {
			h.logger.Warn("failed to revoke session", zap.Error(err))
		}
	}
	h.sessions.ClearCookie(c)
	c.Redirect(http.StatusSeeOther, "/login")
}

func (h *Handler) session(c *gin.Context) {
	claims, ok := auth.GetSession(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	id, err := claims.UserID()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
		return
	}

	user, err := h.accounts.GetAccount(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account no longer exists"})
			return
		}
		h.logFailure("failed to load account", "", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
}

// logFailure logs err tagged with the innermost operation that produced it.
func (h *Handler) logFailure(msg, requestID string, err error) {
	fields := []zap.Field{zap.Error(err)}
	if op, ok := logging.Operation(err); ok {
		fields = append(fields, zap.String("operation", op))
	}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	h.logger.Error(msg, fields...)
}
