package migrations

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func init() {
	Register(Migration{
		Version:     "001_create_scheduler_indexes",
		Description: "Create indexes for scheduled_tasks and task_executions collections",
		Up:          up001,
		Down:        down001,
	})
}

func up001(ctx context.Context, db *mongo.Database) error {
	tasksCollection := db.Collection("scheduled_tasks")
	taskIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "task_type", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "enabled", Value: 1}},
		},
	}

	if _, err := tasksCollection.Indexes().CreateMany(ctx, taskIndexes); err != nil && !isIndexExistsError(err) {
		return err
	}

	executionsCollection := db.Collection("task_executions")
	executionIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "task_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
		{
			// Recent-first history listing
			Keys: bson.D{
				{Key: "task_id", Value: 1},
				{Key: "start_time", Value: -1},
			},
		},
		{
			// Active-execution lookup for the single-instance gate and the sweeper
			Keys: bson.D{
				{Key: "task_id", Value: 1},
				{Key: "status", Value: 1},
			},
		},
	}

	if _, err := executionsCollection.Indexes().CreateMany(ctx, executionIndexes); err != nil && !isIndexExistsError(err) {
		return err
	}

	return nil
}

func down001(ctx context.Context, db *mongo.Database) error {
	if _, err := db.Collection("scheduled_tasks").Indexes().DropAll(ctx); err != nil {
		return err
	}
	if _, err := db.Collection("task_executions").Indexes().DropAll(ctx); err != nil {
		return err
	}
	return nil
}
