// Package mysql archives finished negotiations in MySQL. It embeds the schema
// migrations and upserts one row per negotiation with the full session view
// kept as a JSON payload.
package mysql
