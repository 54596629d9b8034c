package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"

	"github.com/AcapellaSoft/astorage-go/memory"
)

func main() {
	addr := flag.String("addr", ":12000", "listen address")
	token := flag.String("token", "", "require this Authorization header on every request")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	events := sse.New()
	events.CreateStream("mutations")
	router.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		events.ServeHTTP(w, r)
	})

	store := memory.NewStore()
	store.OnChange(func(ev memory.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		events.Publish("mutations", &sse.Event{Data: data})
	})

	opts := []memory.ServerOption{memory.WithLogger(log)}
	if *token != "" {
		opts = append(opts, memory.WithServerToken(*token))
	}
	router.Mount("/", memory.NewServer(store, opts...))

	log.Info().Str("addr", *addr).Msg("astorage memory server listening")
	if err := http.ListenAndServe(*addr, router); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
