package handlers

import (
	"sort"
	"time"

	"health-program-service/models"
)

// fakeRepo is an in-memory models.Repository with the same contract as the
// Postgres implementation: sentinel errors, resolution policies, uniqueness
// rules and cascade deletes.
type fakeRepo struct {
	clients       map[uint]*models.Client
	programs      map[uint]*models.HealthProgram
	enrollments   map[[2]uint]*models.Enrollment
	nextClientID  uint
	nextProgramID uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		clients:     make(map[uint]*models.Client),
		programs:    make(map[uint]*models.HealthProgram),
		enrollments: make(map[[2]uint]*models.Enrollment),
	}
}

func (f *fakeRepo) Close() error { return nil }

func (f *fakeRepo) emailTaken(email *string, exceptID uint) bool {
	if email == nil {
		return false
	}
	for id, c := range f.clients {
		if id != exceptID && c.Email != nil && *c.Email == *email {
			return true
		}
	}
	return false
}

func (f *fakeRepo) clientPrograms(clientID uint) []models.HealthProgram {
	var programs []models.HealthProgram
	for key := range f.enrollments {
		if key[0] == clientID {
			if p, ok := f.programs[key[1]]; ok {
				programs = append(programs, *p)
			}
		}
	}
	sort.Slice(programs, func(i, j int) bool { return programs[i].ID < programs[j].ID })
	return programs
}

func (f *fakeRepo) resolve(ids []uint, policy models.ResolvePolicy) ([]uint, error) {
	seen := make(map[uint]bool, len(ids))
	var resolved, missing []uint
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := f.programs[id]; ok {
			resolved = append(resolved, id)
		} else {
			missing = append(missing, id)
		}
	}
	if policy == models.ResolveStrictAll && len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return nil, &models.MissingProgramsError{IDs: missing}
	}
	return resolved, nil
}

func (f *fakeRepo) enroll(clientID, programID uint) {
	key := [2]uint{clientID, programID}
	if _, ok := f.enrollments[key]; ok {
		return
	}
	f.enrollments[key] = &models.Enrollment{
		ClientID:       clientID,
		ProgramID:      programID,
		EnrollmentDate: time.Now(),
	}
}

func (f *fakeRepo) CreateClient(client *models.Client, programIDs []uint) error {
	if f.emailTaken(client.Email, 0) {
		return models.ErrDuplicate
	}
	f.nextClientID++
	client.ID = f.nextClientID
	client.CreatedAt = time.Now()

	stored := *client
	f.clients[client.ID] = &stored

	resolved, _ := f.resolve(programIDs, models.ResolveLenientSkip)
	for _, pid := range resolved {
		f.enroll(client.ID, pid)
	}

	client.Programs = f.clientPrograms(client.ID)
	return nil
}

func (f *fakeRepo) GetClientByID(id uint) (*models.Client, error) {
	stored, ok := f.clients[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	client := *stored
	client.Programs = f.clientPrograms(id)
	return &client, nil
}

func (f *fakeRepo) ListClients() ([]models.Client, error) {
	var ids []uint
	for id := range f.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	clients := make([]models.Client, 0, len(ids))
	for _, id := range ids {
		client := *f.clients[id]
		client.Programs = f.clientPrograms(id)
		clients = append(clients, client)
	}
	return clients, nil
}

func (f *fakeRepo) UpdateClient(client *models.Client, programIDs []uint) error {
	stored, ok := f.clients[client.ID]
	if !ok {
		return models.ErrNotFound
	}
	if f.emailTaken(client.Email, client.ID) {
		return models.ErrDuplicate
	}

	if programIDs != nil {
		resolved, err := f.resolve(programIDs, models.ResolveStrictAll)
		if err != nil {
			return err
		}
		wanted := make(map[uint]bool, len(resolved))
		for _, pid := range resolved {
			wanted[pid] = true
		}
		for key := range f.enrollments {
			if key[0] == client.ID && !wanted[key[1]] {
				delete(f.enrollments, key)
			}
		}
		for _, pid := range resolved {
			f.enroll(client.ID, pid)
		}
	}

	updated := *client
	updated.CreatedAt = stored.CreatedAt
	f.clients[client.ID] = &updated

	client.Programs = f.clientPrograms(client.ID)
	return nil
}

func (f *fakeRepo) DeleteClient(id uint) error {
	if _, ok := f.clients[id]; !ok {
		return models.ErrNotFound
	}
	delete(f.clients, id)
	for key := range f.enrollments {
		if key[0] == id {
			delete(f.enrollments, key)
		}
	}
	return nil
}

func (f *fakeRepo) EnrollClient(clientID, programID uint) (bool, error) {
	if _, ok := f.clients[clientID]; !ok {
		return false, models.ErrNotFound
	}
	if _, ok := f.programs[programID]; !ok {
		return false, models.ErrNotFound
	}
	if _, ok := f.enrollments[[2]uint{clientID, programID}]; ok {
		return true, nil
	}
	f.enroll(clientID, programID)
	return false, nil
}

func (f *fakeRepo) EnrollClientBulk(clientID uint, programIDs []uint) error {
	if _, ok := f.clients[clientID]; !ok {
		return models.ErrNotFound
	}
	resolved, _ := f.resolve(programIDs, models.ResolveLenientSkip)
	for _, pid := range resolved {
		f.enroll(clientID, pid)
	}
	return nil
}

func (f *fakeRepo) ListClientPrograms(clientID uint) ([]models.HealthProgram, error) {
	if _, ok := f.clients[clientID]; !ok {
		return nil, models.ErrNotFound
	}
	return f.clientPrograms(clientID), nil
}

func (f *fakeRepo) RemoveClientProgram(clientID, programID uint) error {
	if _, ok := f.clients[clientID]; !ok {
		return models.ErrNotFound
	}
	if _, ok := f.programs[programID]; !ok {
		return models.ErrNotFound
	}
	key := [2]uint{clientID, programID}
	if _, ok := f.enrollments[key]; !ok {
		return models.ErrNotFound
	}
	delete(f.enrollments, key)
	return nil
}

func (f *fakeRepo) CreateProgram(program *models.HealthProgram) error {
	for _, p := range f.programs {
		if p.Name == program.Name {
			return models.ErrDuplicate
		}
	}
	f.nextProgramID++
	program.ID = f.nextProgramID
	program.CreatedAt = time.Now()

	stored := *program
	f.programs[program.ID] = &stored
	return nil
}

func (f *fakeRepo) GetProgramByID(id uint) (*models.HealthProgram, error) {
	stored, ok := f.programs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	program := *stored
	return &program, nil
}

func (f *fakeRepo) ListPrograms() ([]models.HealthProgram, error) {
	var ids []uint
	for id := range f.programs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	programs := make([]models.HealthProgram, 0, len(ids))
	for _, id := range ids {
		programs = append(programs, *f.programs[id])
	}
	return programs, nil
}

func (f *fakeRepo) UpdateProgram(program *models.HealthProgram) error {
	stored, ok := f.programs[program.ID]
	if !ok {
		return models.ErrNotFound
	}
	for id, p := range f.programs {
		if id != program.ID && p.Name == program.Name {
			return models.ErrDuplicate
		}
	}

	updated := *program
	updated.CreatedAt = stored.CreatedAt
	f.programs[program.ID] = &updated
	return nil
}

func (f *fakeRepo) DeleteProgram(id uint) error {
	if _, ok := f.programs[id]; !ok {
		return models.ErrNotFound
	}
	delete(f.programs, id)
	for key := range f.enrollments {
		if key[1] == id {
			delete(f.enrollments, key)
		}
	}
	return nil
}

func (f *fakeRepo) ListProgramClients(programID uint) ([]models.Client, error) {
	if _, ok := f.programs[programID]; !ok {
		return nil, models.ErrNotFound
	}
	var clients []models.Client
	for key := range f.enrollments {
		if key[1] == programID {
			if c, ok := f.clients[key[0]]; ok {
				clients = append(clients, *c)
			}
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}
