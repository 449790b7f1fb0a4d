package main

import (
	"github.com/akinalp/carecall/database"
	"github.com/akinalp/carecall/repository"
)

// Repositories holds every repository instance.
type Repositories struct {
	CallRecord  repository.CallRecordRepository
	Participant repository.ParticipantRepository
}

// initRepositories builds the repositories over one shared connection pool.
func initRepositories(db *database.DB) *Repositories {
	return &Repositories{
		CallRecord:  repository.NewSQLiteCallRecordRepo(db.Conn),
		Participant: repository.NewSQLiteParticipantRepo(db.Conn),
	}
}
