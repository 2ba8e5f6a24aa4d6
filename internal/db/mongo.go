package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"aishell/internal/fault"
)

// mongoRaw runs database commands against one dedicated Mongo client.
type mongoRaw struct {
	client   *mongo.Client
	database string
}

func mongoFactory(cs ConnString) (Factory, error) {
	database := cs.Database
	if database == "" {
		database = "admin"
	}
	uri := cs.Raw()

	return func(ctx context.Context) (Raw, error) {
		opts := options.Client().ApplyURI(uri).SetMaxPoolSize(1)
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, fault.Wrap(fault.KindUnavailable, err, "dialling mongodb")
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fault.Wrap(fault.KindUnavailable, err, "pinging mongodb")
		}
		return &mongoRaw{client: client, database: database}, nil
	}, nil
}

// Execute interprets stmt as an extended-JSON database command, e.g.
// {"find": "users", "limit": 10}. Params are not positional here; Mongo
// commands carry their arguments inline.
func (r *mongoRaw) Execute(ctx context.Context, stmt string, _ []any) (*Result, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(stmt), true, &cmd); err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, err, "mongodb command must be an extended-JSON document")
	}

	start := time.Now()
	var reply bson.M
	if err := r.client.Database(r.database).RunCommand(ctx, cmd).Decode(&reply); err != nil {
		return nil, wrapDriverErr(err)
	}
	res := &Result{Columns: []string{"reply"}, Duration: time.Since(start)}

	// find/aggregate replies carry documents under cursor.firstBatch;
	// surface those as rows, otherwise the whole reply is one row.
	if cursor, ok := reply["cursor"].(bson.M); ok {
		if batch, ok := cursor["firstBatch"].(bson.A); ok {
			for _, doc := range batch {
				res.Rows = append(res.Rows, []any{doc})
			}
			res.RowsAffected = int64(len(res.Rows))
			return res, nil
		}
	}
	res.Rows = append(res.Rows, []any{reply})
	res.RowsAffected = 1
	return res, nil
}

func (r *mongoRaw) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "mongodb ping")
	}
	return nil
}

func (r *mongoRaw) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
