package models

// Database schema overview:
// 1. interview_sessions - one row per interview run, owned by a single user
// 2. interview_messages - the ordered, turn-by-turn transcript (INTERVIEWER, CANDIDATE, SYSTEM)
// 3. annotations - reflective analysis of candidate answers, one per (session, turn)
//
// The schema itself lives in repository/migrations and is applied with goose.
