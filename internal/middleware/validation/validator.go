package validation

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// Free-text fields that end up in stored rows or reports.
var screenedFields = []string{"project_name", "annotator", "verified_by", "notes", "model_name", "filter_model", "extract_model"}

type Config struct {
	MaxDocumentSize     int
	AllowedExtensions   []string
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func (cfg *Config) defaults() {
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 50 * 1024 * 1024
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".docx", ".txt", ".md", ".html", ".htm"}
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Middleware checks the content type of write requests and screens free-text JSON fields.
func Middleware(cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" {
			allowed := false
			for _, t := range cfg.AllowedContentTypes {
				if strings.HasPrefix(contentType, t) {
					allowed = true
					break
				}
			}
			if !allowed {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "unsupported content type",
				})
			}
		}

		if strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) && len(c.Body()) > 0 {
			var body map[string]any
			if err := json.Unmarshal(c.Body(), &body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid JSON body",
				})
			}
			for _, field := range screenedFields {
				s, ok := body[field].(string)
				if ok && containsXSS(s) {
					cfg.Logger.Warn("Potential XSS attempt",
						zap.String("ip", c.IP()),
						zap.String("path", c.Path()),
						zap.String("field", field),
					)
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "invalid content in " + field,
					})
				}
			}
			if p, ok := body["file_path"].(string); ok && !isSafePath(p) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid file_path",
				})
			}
		}

		return c.Next()
	}
}

// ProjectID rejects routes whose :project_id is not a positive integer.
func ProjectID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("project_id"), 10, 64)
		if err != nil || id <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "project_id must be a positive integer",
			})
		}
		return c.Next()
	}
}

// Upload checks the extension and size of the named multipart files. Missing files are left to
// the handler.
func Upload(cfg Config, fields ...string) fiber.Handler {
	cfg.defaults()
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
			return c.Next()
		}
		for _, field := range fields {
			fh, err := c.FormFile(field)
			if err != nil {
				continue
			}
			ext := strings.ToLower(filepath.Ext(fh.Filename))
			if !allowed[ext] {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "file type " + ext + " is not allowed",
				})
			}
			if fh.Size > int64(cfg.MaxDocumentSize) {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "document exceeds maximum size",
				})
			}
			if containsXSS(fh.Filename) {
				cfg.Logger.Warn("Suspicious upload name", zap.String("ip", c.IP()), zap.String("filename", fh.Filename))
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid file name",
				})
			}
		}
		return c.Next()
	}
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

// isSafePath refuses NUL bytes and parent-directory segments.
func isSafePath(p string) bool {
	if strings.ContainsRune(p, 0) {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
