package handlers

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nicolastibata/catdog-classifier/internal/imaging"
	"github.com/nicolastibata/catdog-classifier/internal/samples"
	"github.com/nicolastibata/catdog-classifier/internal/usecase"
)

// DefaultMaxUploadSize caps image uploads when no limit is configured;
// larger requests get a 413.
const DefaultMaxUploadSize = 10 << 20

// SessionCookie names the cookie carrying the demo session id.
const SessionCookie = "catdog_session"

//go:embed web/index.html
var webFS embed.FS

var pageTemplate = template.Must(template.ParseFS(webFS, "web/index.html"))

// SessionMiddleware assigns a session id cookie when the browser does not
// present one yet.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(SessionCookie)
		if err != nil || id == "" {
			id = uuid.NewString()
			c.SetCookie(SessionCookie, id, 0, "/", "", false, true)
		}
		c.Set(SessionCookie, id)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString(SessionCookie)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. maxUploadSize
// bounds image uploads; non-positive values fall back to the default.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassifyUseCase, maxUploadSize int64) {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}

	router.SetHTMLTemplate(pageTemplate)
	router.Use(SessionMiddleware())

	router.GET("/", func(c *gin.Context) {
		sampleList, err := uc.Samples()
		if err != nil {
			c.String(http.StatusInternalServerError, "samples unavailable")
			return
		}
		c.HTML(http.StatusOK, "index.html", gin.H{
			"Model":   uc.ModelInfo(),
			"Samples": sampleList,
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"model_ready": uc.Ready(),
		})
	})

	router.GET("/model", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.ModelInfo())
	})

	router.GET("/api/samples", func(c *gin.Context) {
		sampleList, err := uc.Samples()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sampleList == nil {
			sampleList = []samples.Sample{}
		}
		c.JSON(http.StatusOK, gin.H{"samples": sampleList})
	})

	router.GET("/samples/:name", func(c *gin.Context) {
		data, err := uc.LoadSample(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "sample not found"})
			return
		}
		contentType, _ := imaging.Sniff(data)
		c.Data(http.StatusOK, contentType, data)
	})

	router.POST("/api/upload", func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > maxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, maxUploadSize+1))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if int64(len(data)) > maxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		if detected, ok := imaging.Sniff(data); !ok {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type " + detected})
			return
		}

		s, changed, err := uc.SelectUpload(c.Request.Context(), sessionID(c), file.Filename, data)
		if err != nil {
			if errors.Is(err, imaging.ErrUndecodable) || errors.Is(err, imaging.ErrUnsupportedFormat) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "image could not be decoded"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"image_id": s.ImageID,
			"origin":   s.Origin,
			"changed":  changed,
		})
	})

	router.POST("/api/samples/:name/select", func(c *gin.Context) {
		s, err := uc.SelectSample(c.Request.Context(), sessionID(c), c.Param("name"))
		if err != nil {
			if errors.Is(err, samples.ErrUnknownSample) {
				c.JSON(http.StatusNotFound, gin.H{"error": "sample not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"image_id": s.ImageID,
			"origin":   s.Origin,
			"sample":   s.SampleName,
		})
	})

	router.POST("/api/classify", func(c *gin.Context) {
		result, err := uc.Classify(c.Request.Context(), sessionID(c))
		if err != nil {
			if errors.Is(err, usecase.ErrNoImage) {
				c.JSON(http.StatusConflict, gin.H{"error": "no image selected"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	router.GET("/api/image/current", func(c *gin.Context) {
		data, contentType, err := uc.CurrentImage(c.Request.Context(), sessionID(c))
		if err != nil {
			if errors.Is(err, usecase.ErrNoImage) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no image selected"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, contentType, data)
	})

	router.GET("/api/image/preview", func(c *gin.Context) {
		data, err := uc.PreviewImage(c.Request.Context(), sessionID(c))
		if err != nil {
			if errors.Is(err, usecase.ErrNoImage) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no image selected"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/png", data)
	})
}
