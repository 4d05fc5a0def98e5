package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/tenderflow/backend/internal/middleware/validation"
	"github.com/tenderflow/backend/internal/parserdebug"
	"github.com/tenderflow/backend/internal/pipeline"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/internal/tasks"
)

// Deps are the services behind the HTTP API.
type Deps struct {
	DB           *sqlite.Client
	Orchestrator *pipeline.Orchestrator
	Risk         *tasks.RiskRunner
	// Progress is optional; without it live risk progress comes from the in-process hub.
	Progress    ProgressSource
	ParserDebug *parserdebug.Service
	UploadDir   string
	Upload      validation.Config
}

func Register(app *fiber.App, d Deps) {
	processing := NewProcessingHandler(d.Orchestrator, d.DB)
	projects := NewProjectHandler(d.DB)
	riskHandler := NewRiskHandler(d.Risk, d.Progress, d.UploadDir)
	ws := NewWebSocketHandler(riskHandler)
	debug := NewParserDebugHandler(d.ParserDebug)
	pid := validation.ProjectID()

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := d.DB.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Post("/projects", projects.CreateProject)
	app.Get("/projects/:project_id", pid, projects.GetProject)
	app.Delete("/projects/:project_id", pid, projects.DeleteProject)

	tp := app.Group("/tender-processing")
	tp.Post("/start", validation.Upload(d.Upload, "file"), processing.Start)
	tp.Post("/continue/:project_id", pid, processing.Continue)
	tp.Post("/cancel/:project_id", pid, processing.Cancel)
	tp.Post("/release/:project_id", pid, processing.Release)
	tp.Get("/status/:project_id", pid, processing.Status)
	tp.Get("/chunks/:project_id", pid, processing.Chunks)
	tp.Get("/requirements/:project_id", pid, processing.Requirements)
	tp.Post("/requirements/:requirement_id/verify", processing.VerifyRequirement)
	tp.Get("/analytics/:project_id", pid, processing.Analytics)

	r := app.Group("/risk")
	r.Post("/analyze", validation.Upload(d.Upload, "file", "response_file"), riskHandler.Analyze)
	r.Get("/task/:task_id", riskHandler.Task)
	r.Get("/stream/:task_id", riskHandler.Stream)
	r.Get("/export/:task_id", riskHandler.Export)
	r.Post("/cancel/:task_id", riskHandler.Cancel)
	r.Post("/resume/:task_id", riskHandler.Resume)

	pd := app.Group("/parser-debug")
	pd.Post("/upload", validation.Upload(d.Upload, "file"), debug.Upload)
	pd.Get("/parse-stream/:document_id", debug.ParseStream)
	pd.Get("/:document_id/results", debug.Results)
	pd.Post("/:document_id/ground-truth", debug.GroundTruth)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/risk/:task_id", websocket.New(ws.HandleConnection))
}
