package db

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// CatalogObject is one schema-level object discovered from an engine's
// catalog: a table, view, collection or column. The vector store embeds
// these so completion and enrichment can find schema by meaning.
type CatalogObject struct {
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Name     string `json:"name"`
	Type     string `json:"type"` // table | view | collection | column | index
	Detail   string `json:"detail,omitempty"`
}

// Text renders the object as the string handed to the embedding model.
func (o CatalogObject) Text() string {
	s := o.Type + " " + o.Name
	if o.Schema != "" {
		s = o.Type + " " + o.Schema + "." + o.Name
	}
	if o.Detail != "" {
		s += " (" + o.Detail + ")"
	}
	return s
}

// Catalog loads schema objects through engine-specific catalog queries.
// Redis has no schema catalog and returns an empty slice.
func (c *Client) Catalog(ctx context.Context) ([]CatalogObject, error) {
	switch c.cs.Kind {
	case KindPostgres:
		return c.catalogPostgres(ctx)
	case KindMySQL:
		return c.catalogMySQL(ctx)
	case KindSQLite:
		return c.catalogSQLite(ctx)
	case KindMongo:
		return c.catalogMongo(ctx)
	default:
		return nil, nil
	}
}

func (c *Client) catalogPostgres(ctx context.Context) ([]CatalogObject, error) {
	tables, err := c.Execute(ctx, `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`, nil)
	if err != nil {
		return nil, err
	}
	var objs []CatalogObject
	for _, row := range tables.Rows {
		typ := "table"
		if asString(row[2]) == "VIEW" {
			typ = "view"
		}
		objs = append(objs, CatalogObject{
			Schema: asString(row[0]),
			Name:   asString(row[1]),
			Type:   typ,
		})
	}

	columns, err := c.Execute(ctx, `
		SELECT table_schema, table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name, ordinal_position`, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range columns.Rows {
		objs = append(objs, CatalogObject{
			Schema: asString(row[0]),
			Name:   asString(row[1]) + "." + asString(row[2]),
			Type:   "column",
			Detail: asString(row[3]),
		})
	}
	return objs, nil
}

func (c *Client) catalogMySQL(ctx context.Context) ([]CatalogObject, error) {
	tables, err := c.Execute(ctx, `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE table_schema NOT IN ('mysql', 'sys', 'performance_schema', 'information_schema')
		ORDER BY table_schema, table_name`, nil)
	if err != nil {
		return nil, err
	}
	var objs []CatalogObject
	for _, row := range tables.Rows {
		typ := "table"
		if asString(row[2]) == "VIEW" {
			typ = "view"
		}
		objs = append(objs, CatalogObject{
			Database: asString(row[0]),
			Name:     asString(row[1]),
			Type:     typ,
		})
	}

	columns, err := c.Execute(ctx, `
		SELECT table_schema, table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema NOT IN ('mysql', 'sys', 'performance_schema', 'information_schema')
		ORDER BY table_schema, table_name, ordinal_position`, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range columns.Rows {
		objs = append(objs, CatalogObject{
			Database: asString(row[0]),
			Name:     asString(row[1]) + "." + asString(row[2]),
			Type:     "column",
			Detail:   asString(row[3]),
		})
	}
	return objs, nil
}

func (c *Client) catalogSQLite(ctx context.Context) ([]CatalogObject, error) {
	res, err := c.Execute(ctx, `
		SELECT name, type, COALESCE(sql, '')
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'
		ORDER BY name`, nil)
	if err != nil {
		return nil, err
	}
	var objs []CatalogObject
	for _, row := range res.Rows {
		objs = append(objs, CatalogObject{
			Name: asString(row[0]),
			Type: asString(row[1]),
		})
	}
	return objs, nil
}

func (c *Client) catalogMongo(ctx context.Context) ([]CatalogObject, error) {
	res, err := c.Execute(ctx, `{"listCollections": 1, "nameOnly": true}`, nil)
	if err != nil {
		return nil, err
	}
	var objs []CatalogObject
	for _, row := range res.Rows {
		if m, ok := row[0].(bson.M); ok {
			if name, ok := m["name"].(string); ok {
				objs = append(objs, CatalogObject{Name: name, Type: "collection"})
				continue
			}
		}
		objs = append(objs, CatalogObject{Name: asString(row[0]), Type: "collection"})
	}
	return objs, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
