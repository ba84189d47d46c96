// Package db embeds the database schema applied at startup.
package db

import _ "embed"

// Schema holds the DDL for the marketplace settlement tables: catalog,
// discount codes and their usage ledger, orders, wallets and gateway
// payment transactions.
//
//go:embed migrations/001_schema.sql
var Schema string
