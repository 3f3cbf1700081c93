// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Conclave council service.
//
// The council service answers each user query by deliberation: every
// configured model answers independently, every model ranks the anonymized
// answers of its peers, and a chairman model synthesizes the final response.
//
// Usage:
//
//	./council
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	OPENROUTER_API_KEY - OpenRouter API key (required)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - optional Redis URL for the shared model-catalog cache
//	COUNCIL_MODELS - comma-separated council member model IDs
//	CHAIRMAN_MODEL - chairman model ID
//	CONCLAVE_JWT_SECRET - optional secret enabling bearer-token auth
//	CONCLAVE_CONFIG_FILE - optional YAML config file path
package main

import (
	"conclave/platform/council"
)

func main() {
	council.Run()
}
