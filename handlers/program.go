package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"health-program-service/models"
	"health-program-service/utils"

	"github.com/gin-gonic/gin"
)

type ProgramHandler struct {
	repo  models.Repository
	kafka utils.KafkaProducer
}

func NewProgramHandler(repo models.Repository, kafka utils.KafkaProducer) *ProgramHandler {
	return &ProgramHandler{
		repo:  repo,
		kafka: kafka,
	}
}

type CreateProgramRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type UpdateProgramRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type ProgramResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateProgram handles POST /programs. Program names are unique; the
// storage index is the final word on collisions.
func (h *ProgramHandler) CreateProgram(c *gin.Context) {
	var req CreateProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Program name is required"})
		return
	}

	program := &models.HealthProgram{
		Name:        req.Name,
		Description: req.Description,
	}
	if err := h.repo.CreateProgram(program); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Program already exists"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.kafka != nil {
		go h.sendProgramEvent("program_created", program)
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Program created", "id": program.ID})
}

// ListPrograms handles GET /programs.
func (h *ProgramHandler) ListPrograms(c *gin.Context) {
	programs, err := h.repo.ListPrograms()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	responses := make([]ProgramResponse, 0, len(programs))
	for _, p := range programs {
		responses = append(responses, toProgramResponse(&p))
	}
	c.JSON(http.StatusOK, responses)
}

// GetProgram handles GET /programs/:id.
func (h *ProgramHandler) GetProgram(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid program ID format"})
		return
	}

	program, err := h.repo.GetProgramByID(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Program not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, toProgramResponse(program))
}

// UpdateProgram handles PUT /programs/:id. Absent fields are left alone;
// present fields are applied as given, empty strings included. There is no
// advisory pre-check on rename, so a colliding name surfaces from the
// unique index as a conflict.
func (h *ProgramHandler) UpdateProgram(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid program ID format"})
		return
	}

	var req UpdateProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	program, err := h.repo.GetProgramByID(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Program not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.Name != nil {
		program.Name = *req.Name
	}
	if req.Description != nil {
		program.Description = *req.Description
	}

	if err := h.repo.UpdateProgram(program); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Program already exists"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.kafka != nil {
		go h.sendProgramEvent("program_updated", program)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Program updated"})
}

// DeleteProgram handles DELETE /programs/:id. Enrollment rows go with the
// program.
func (h *ProgramHandler) DeleteProgram(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid program ID format"})
		return
	}

	if err := h.repo.DeleteProgram(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Program not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.kafka != nil {
		go h.sendRawProgramEvent(map[string]any{"event": "program_deleted", "id": id})
	}

	c.JSON(http.StatusOK, gin.H{"message": "Program deleted"})
}

// ListProgramClients handles GET /programs/:id/clients. Clients come back
// summarized as {id, name} with the first name standing in for the name.
func (h *ProgramHandler) ListProgramClients(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid program ID format"})
		return
	}

	clients, err := h.repo.ListProgramClients(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Program not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summaries := make([]gin.H, 0, len(clients))
	for _, cl := range clients {
		summaries = append(summaries, gin.H{"id": cl.ID, "name": cl.FirstName})
	}
	c.JSON(http.StatusOK, gin.H{"clients": summaries})
}

func (h *ProgramHandler) sendProgramEvent(eventType string, program *models.HealthProgram) {
	h.sendRawProgramEvent(map[string]any{
		"event": eventType,
		"id":    program.ID,
		"data":  toProgramResponse(program),
	})
}

func (h *ProgramHandler) sendRawProgramEvent(event map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal Kafka event: %v", err)
		return
	}

	if err := h.kafka.SendMessage(ctx, utils.TopicProgramEvents, nil, jsonData); err != nil {
		log.Printf("Failed to send Kafka message: %v", err)
	}
}

func toProgramResponse(program *models.HealthProgram) ProgramResponse {
	return ProgramResponse{
		ID:          program.ID,
		Name:        program.Name,
		Description: program.Description,
		CreatedAt:   program.CreatedAt,
	}
}
