package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/database"
	"github.com/stemsi/exstem-skills/internal/logger"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/repository"
	"github.com/stemsi/exstem-skills/internal/service"
)

func main() {
	learnerID := flag.Int("learner", 1, "learner id to mint a local test token for")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup("seed-exercises", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	repo := repository.NewExerciseRepository(pool)

	fmt.Println("=== Seeding exercises ===")
	for _, ex := range fixtures() {
		if err := repo.Create(ctx, ex); err != nil {
			log.Fatal().Err(err).Str("title", ex.Title).Msg("Failed to create exercise")
		}
		fmt.Printf("  %-10s %s  %s (%d questions)\n", ex.Skill, ex.ID, ex.Title, ex.QuestionCount())
	}

	token, err := service.NewAuthService(cfg.JWTSecret).GenerateLearnerToken(*learnerID, 24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign learner token")
	}
	fmt.Printf("\nLearner %d token (24h):\n%s\n", *learnerID, token)
}

func fixtures() []*model.Exercise {
	writingLimit := 60 * 60
	speakingLimit := 14 * 60
	readingLimit := 20 * 60

	options, _ := json.Marshal([]map[string]string{
		{"id": "A", "text": "To compare two cities"},
		{"id": "B", "text": "To describe a journey"},
		{"id": "C", "text": "To argue for public transport"},
	})

	return []*model.Exercise{
		{
			Title:            "Academic Writing Practice 1",
			Skill:            model.SkillWriting,
			TimeLimitSeconds: &writingLimit,
			Status:           model.ExerciseStatusPublished,
			Sections: []model.Section{
				{Title: "Task 1", OrderNum: 1, Questions: []model.Question{{
					QuestionType: model.QuestionTypeEssay,
					TaskType:     model.TaskType1,
					Prompt:       "The chart shows household energy use in three countries. Summarise the main features.",
					OrderNum:     1,
				}}},
				{Title: "Task 2", OrderNum: 2, Questions: []model.Question{{
					QuestionType: model.QuestionTypeEssay,
					TaskType:     model.TaskType2,
					Prompt:       "Some people think cities should ban private cars from their centres. Discuss both views.",
					OrderNum:     1,
				}}},
			},
		},
		{
			Title:            "Speaking Practice 1",
			Skill:            model.SkillSpeaking,
			TimeLimitSeconds: &speakingLimit,
			Status:           model.ExerciseStatusPublished,
			Sections: []model.Section{
				{Title: "Part 1", OrderNum: 1, Questions: []model.Question{
					{QuestionType: model.QuestionTypeSpeaking, Prompt: "Where do you live?", OrderNum: 1},
					{QuestionType: model.QuestionTypeSpeaking, Prompt: "What do you do in your free time?", OrderNum: 2},
				}},
				{Title: "Part 2", OrderNum: 2, Questions: []model.Question{
					{QuestionType: model.QuestionTypeSpeaking, Prompt: "Describe a place you visited that you would like to return to.", OrderNum: 1},
				}},
			},
		},
		{
			Title:            "Reading Practice 1",
			Skill:            model.SkillReading,
			TimeLimitSeconds: &readingLimit,
			Status:           model.ExerciseStatusPublished,
			Sections: []model.Section{
				{Title: "Passage 1", OrderNum: 1, Questions: []model.Question{
					{QuestionType: model.QuestionTypeMultipleChoice, Prompt: "What is the main purpose of the passage?", Options: options, OrderNum: 1},
					{QuestionType: model.QuestionTypeShortAnswer, Prompt: "Which city opened the first tram line?", OrderNum: 2},
				}},
			},
		},
	}
}
