package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "Roadside Dispatch API",
    "description": "Dispatch and SLA engine for roadside assistance bookings",
    "version": "1.0"
  },
  "basePath": "/",
  "paths": {
    "/api/dispatches": {
      "post": {"tags": ["dispatch"], "summary": "Dispatch a booking", "responses": {"201": {"description": "Created"}}}
    },
    "/api/offers/{id}": {
      "get": {"tags": ["offers"], "summary": "Get an offer", "responses": {"200": {"description": "OK"}}}
    },
    "/api/offers/{id}/accept": {
      "post": {"tags": ["offers"], "summary": "Accept an offer", "responses": {"200": {"description": "OK"}}}
    },
    "/api/offers/{id}/reject": {
      "post": {"tags": ["offers"], "summary": "Reject an offer", "responses": {"200": {"description": "OK"}}}
    },
    "/api/bookings/{id}/sla": {
      "get": {"tags": ["sla"], "summary": "Get the SLA record of a booking", "responses": {"200": {"description": "OK"}}}
    },
    "/api/bookings/{id}/complete": {
      "post": {"tags": ["sla"], "summary": "Report job completion", "responses": {"200": {"description": "OK"}}}
    },
    "/api/admin/offers/{id}/expire": {
      "post": {"tags": ["admin"], "summary": "Force-expire an offer", "responses": {"200": {"description": "OK"}}}
    },
    "/api/admin/bookings/{id}/sla": {
      "put": {"tags": ["admin"], "summary": "Initialize a pending SLA record", "responses": {"200": {"description": "OK"}}}
    },
    "/api/admin/sweep": {
      "post": {"tags": ["admin"], "summary": "Run one sweep", "responses": {"200": {"description": "OK"}}}
    },
    "/api/admin/import": {
      "post": {"tags": ["admin"], "summary": "Import CSV data", "responses": {"200": {"description": "OK"}}}
    }
  }
}`

func init() {
	swag.Register(swag.Name, &s{})
}

type s struct{}

func (s *s) ReadDoc() string {
	return docTemplate
}
