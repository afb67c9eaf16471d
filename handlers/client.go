package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"health-program-service/models"
	"health-program-service/monitoring"
	"health-program-service/utils"

	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

type ClientHandler struct {
	repo  models.Repository
	kafka utils.KafkaProducer
}

func NewClientHandler(repo models.Repository, kafka utils.KafkaProducer) *ClientHandler {
	return &ClientHandler{
		repo:  repo,
		kafka: kafka,
	}
}

type RegisterClientRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	Programs    []any  `json:"programs"`
}

type ProgramSummary struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type ClientResponse struct {
	ID          uint             `json:"id"`
	FirstName   string           `json:"first_name"`
	LastName    string           `json:"last_name"`
	DateOfBirth *string          `json:"date_of_birth"`
	Gender      string           `json:"gender"`
	PhoneNumber string           `json:"phone_number"`
	Email       *string          `json:"email"`
	Address     string           `json:"address"`
	CreatedAt   time.Time        `json:"created_at"`
	Programs    []ProgramSummary `json:"programs"`
}

// RegisterClient handles POST /clients. Program references are resolved
// leniently: entries that are not integer ids, and ids with no matching
// program, are skipped rather than failing the registration.
func (h *ClientHandler) RegisterClient(c *gin.Context) {
	var req RegisterClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.FirstName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "first_name is required"})
		return
	}
	if req.LastName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "last_name is required"})
		return
	}

	dob, err := parseDateOfBirth(req.DateOfBirth)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
		return
	}

	client := &models.Client{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: dob,
		Gender:      req.Gender,
		PhoneNumber: req.PhoneNumber,
		Address:     req.Address,
	}
	if req.Email != "" {
		client.Email = &req.Email
	}

	if err := h.repo.CreateClient(client, resolveProgramRefs(req.Programs)); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "client with this email already exists"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.kafka != nil {
		go h.sendClientEvent("client_registered", client)
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Client registered",
		"client":  toClientResponse(client),
	})
}

// GetClient handles GET /clients/:id.
func (h *ClientHandler) GetClient(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client ID format"})
		return
	}

	client, err := h.repo.GetClientByID(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, toClientResponse(client))
}

// ListClients handles GET /clients.
func (h *ClientHandler) ListClients(c *gin.Context) {
	clients, err := h.repo.ListClients()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	responses := make([]ClientResponse, 0, len(clients))
	for i := range clients {
		responses = append(responses, toClientResponse(&clients[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// mutableClientFields is the allow-list for PUT /clients/:id. Keys outside
// it are ignored; wrongly typed values for keys inside it are rejected.
var mutableClientFields = map[string]bool{
	"first_name":    true,
	"last_name":     true,
	"date_of_birth": true,
	"gender":        true,
	"phone_number":  true,
	"email":         true,
	"address":       true,
}

// UpdateClient handles PUT /clients/:id. A "programs" key, when present,
// replaces the client's program set under strict resolution: any unknown
// id fails the whole request with the missing ids listed, and nothing is
// changed. Field updates and the program replacement commit together.
func (h *ClientHandler) UpdateClient(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client ID format"})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := h.repo.GetClientByID(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var programIDs []uint
	if raw, ok := body["programs"]; ok {
		list, ok := raw.([]any)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "programs must be a list"})
			return
		}
		// Non-nil even when the list is empty: empty means "remove all".
		programIDs = make([]uint, 0, len(list))
		programIDs = append(programIDs, resolveProgramRefs(list)...)
	}

	for key, value := range body {
		if !mutableClientFields[key] {
			continue
		}
		str, ok := value.(string)
		if !ok && value != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be a string", key)})
			return
		}
		switch key {
		case "first_name":
			client.FirstName = str
		case "last_name":
			client.LastName = str
		case "date_of_birth":
			dob, err := parseDateOfBirth(str)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
				return
			}
			client.DateOfBirth = dob
		case "gender":
			client.Gender = str
		case "phone_number":
			client.PhoneNumber = str
		case "email":
			if str == "" || value == nil {
				client.Email = nil
			} else {
				email := str
				client.Email = &email
			}
		case "address":
			client.Address = str
		}
	}

	if err := h.repo.UpdateClient(client, programIDs); err != nil {
		var missing *models.MissingProgramsError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusNotFound, gin.H{
				"error":       "Program not found",
				"missing_ids": missing.IDs,
			})
		case errors.Is(err, models.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
		case errors.Is(err, models.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": "client with this email already exists"})
		default:
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	if programIDs != nil {
		monitoring.EnrollmentChanges.WithLabelValues("replace").Inc()
	}
	if h.kafka != nil {
		go h.sendClientEvent("client_updated", client)
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Client profile updated",
		"client":  toClientResponse(client),
	})
}

// DeleteClient handles DELETE /clients/:id. Enrollment rows go with the
// client.
func (h *ClientHandler) DeleteClient(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client ID format"})
		return
	}

	if err := h.repo.DeleteClient(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.kafka != nil {
		go h.sendRawClientEvent(map[string]any{"event": "client_deleted", "id": id})
	}

	c.JSON(http.StatusOK, gin.H{"message": "Client deleted"})
}

// BulkEnroll handles POST /clients/:id/enroll. Lenient policy: unknown ids
// are skipped and already-held memberships are left alone.
func (h *ClientHandler) BulkEnroll(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client ID format"})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, ok := body["program_ids"]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Program/s id is required"})
		return
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Program/s id is required"})
		return
	}

	if err := h.repo.EnrollClientBulk(id, resolveProgramRefs(list)); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	monitoring.EnrollmentChanges.WithLabelValues("enroll").Inc()
	if h.kafka != nil {
		go h.sendRawClientEvent(map[string]any{"event": "client_enrolled", "id": id})
	}

	c.JSON(http.StatusOK, gin.H{"message": "Client enrolled in programs"})
}

// ListClientPrograms handles GET /clients/:id/programs.
func (h *ClientHandler) ListClientPrograms(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client ID format"})
		return
	}

	programs, err := h.repo.ListClientPrograms(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"programs": toProgramSummaries(programs)})
}

// EnrollInProgram handles POST /clients/:id/programs/:program_id. A second
// enrollment in the same program is a no-op success, not an error.
func (h *ClientHandler) EnrollInProgram(c *gin.Context) {
	clientID, programID, ok := h.parsePairParams(c)
	if !ok {
		return
	}

	if _, err := h.repo.GetClientByID(clientID); err != nil {
		h.respondLookupError(c, err, "Client not found")
		return
	}
	if _, err := h.repo.GetProgramByID(programID); err != nil {
		h.respondLookupError(c, err, "Program not found")
		return
	}

	alreadyEnrolled, err := h.repo.EnrollClient(clientID, programID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Client or program not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if alreadyEnrolled {
		c.JSON(http.StatusOK, gin.H{"message": "Client already enrolled in this program"})
		return
	}

	monitoring.EnrollmentChanges.WithLabelValues("enroll").Inc()
	if h.kafka != nil {
		go h.sendRawClientEvent(map[string]any{"event": "client_enrolled", "id": clientID})
	}

	c.JSON(http.StatusOK, gin.H{"message": "Client enrolled in program"})
}

// RemoveFromProgram handles DELETE /clients/:id/programs/:program_id.
func (h *ClientHandler) RemoveFromProgram(c *gin.Context) {
	clientID, programID, ok := h.parsePairParams(c)
	if !ok {
		return
	}

	if _, err := h.repo.GetClientByID(clientID); err != nil {
		h.respondLookupError(c, err, "Client not found")
		return
	}

	if err := h.repo.RemoveClientProgram(clientID, programID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Program not found or not enrolled"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	monitoring.EnrollmentChanges.WithLabelValues("remove").Inc()
	if h.kafka != nil {
		go h.sendRawClientEvent(map[string]any{"event": "client_unenrolled", "id": clientID})
	}

	c.JSON(http.StatusOK, gin.H{"message": "Program removed from client"})
}

// Helpers

func (h *ClientHandler) parsePairParams(c *gin.Context) (clientID, programID uint, ok bool) {
	clientID, err := parseUint(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client ID format"})
		return 0, 0, false
	}
	programID, err = parseUint(c.Param("program_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid program ID format"})
		return 0, 0, false
	}
	return clientID, programID, true
}

func (h *ClientHandler) respondLookupError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
		return
	}
	c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *ClientHandler) sendClientEvent(eventType string, client *models.Client) {
	h.sendRawClientEvent(map[string]any{
		"event": eventType,
		"id":    client.ID,
		"data":  toClientResponse(client),
	})
}

func (h *ClientHandler) sendRawClientEvent(event map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal Kafka event: %v", err)
		return
	}

	if err := h.kafka.SendMessage(ctx, utils.TopicClientEvents, nil, jsonData); err != nil {
		log.Printf("Failed to send Kafka message: %v", err)
	}
}

// parseDateOfBirth parses an ISO calendar date; an empty string means no
// date at all.
func parseDateOfBirth(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// resolveProgramRefs extracts program ids from a loose JSON list. Entries
// may be bare numbers or objects carrying an "id" field; everything else
// is skipped.
func resolveProgramRefs(refs []any) []uint {
	ids := make([]uint, 0, len(refs))
	for _, ref := range refs {
		switch v := ref.(type) {
		case float64:
			if id, ok := toProgramID(v); ok {
				ids = append(ids, id)
			}
		case map[string]any:
			if raw, ok := v["id"].(float64); ok {
				if id, ok := toProgramID(raw); ok {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

func toProgramID(v float64) (uint, bool) {
	if v < 1 || v != float64(uint(v)) {
		return 0, false
	}
	return uint(v), true
}

func toProgramSummaries(programs []models.HealthProgram) []ProgramSummary {
	summaries := make([]ProgramSummary, 0, len(programs))
	for _, p := range programs {
		summaries = append(summaries, ProgramSummary{ID: p.ID, Name: p.Name})
	}
	return summaries
}

func toClientResponse(client *models.Client) ClientResponse {
	resp := ClientResponse{
		ID:          client.ID,
		FirstName:   client.FirstName,
		LastName:    client.LastName,
		Gender:      client.Gender,
		PhoneNumber: client.PhoneNumber,
		Email:       client.Email,
		Address:     client.Address,
		CreatedAt:   client.CreatedAt,
		Programs:    toProgramSummaries(client.Programs),
	}
	if client.DateOfBirth != nil {
		dob := client.DateOfBirth.Format(dateLayout)
		resp.DateOfBirth = &dob
	}
	return resp
}

func parseUint(s string) (uint, error) {
	var id uint
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}
