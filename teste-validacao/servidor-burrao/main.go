package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

// Upstream de validação: responde as rotas da loja para exercitar o gateway
// (login falha sem a senha certa, pagamentos e pedidos só ecoam).
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	r := chi.NewRouter()
	r.Get("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>")
		logger.Info("endpoint acessado", "path", r.URL.Path, "user", r.Header.Get("X-User-ID"))
	})
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Password") != "burrao" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": "ok"})
	})
	r.Get("/api/products", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"id": 1, "name": "burrinho de pelúcia"}})
	})
	r.Get("/api/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"q": r.URL.Query().Get("q")})
	})
	r.Post("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
	})
	r.Post("/api/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]string{"payment": chi.URLParam(r, "id")})
	})

	logger.Info("servidor rodando", "addr", "http://localhost:8081")
	if err := http.ListenAndServe(":8081", r); err != nil {
		logger.Error("erro ao subir o servidor", "err", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
