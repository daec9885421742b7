package match

import (
	"errors"
	"testing"

	"github.com/duneforge/workforce/internal/mission"
)

func worker(id, desc string, scopes ...string) *mission.Worker {
	return &mission.Worker{ID: id, Name: id, Description: desc, ToolScopes: scopes}
}

func TestPartialCoverageEliminates(t *testing.T) {
	task := &mission.Task{
		ID:          "t1",
		Description: "fetch the report and write it to disk",
		Requires:    []string{"http_get", "write_file"},
	}
	candidates := []*mission.Worker{
		worker("fetcher", "fetches web pages", "http_get"),
		worker("writer", "writes files", "write_file"),
		worker("full", "fetches and writes", "http_get", "write_file"),
	}

	w, err := Assign(task, candidates)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if w.ID != "full" {
		t.Fatalf("expected full-coverage worker, got %s", w.ID)
	}
}

func TestNoEligibleWorker(t *testing.T) {
	task := &mission.Task{ID: "t1", Description: "run a command", Requires: []string{"run_command"}}
	candidates := []*mission.Worker{
		worker("reader", "reads files", "read_file"),
	}

	_, err := Assign(task, candidates)
	if !errors.Is(err, ErrNoEligibleWorker) {
		t.Fatalf("expected ErrNoEligibleWorker, got %v", err)
	}
}

func TestGeneralTagAcceptsAnyWorker(t *testing.T) {
	task := &mission.Task{ID: "t1", Description: "summarize the findings", Requires: []string{mission.TagGeneral}}
	candidates := []*mission.Worker{
		worker("scoped", "summarize analysis findings clearly", "read_file"),
		worker("bare", "no tools at all"),
	}

	w, err := Assign(task, candidates)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if w.ID != "scoped" {
		t.Fatalf("expected keyword match to win, got %s", w.ID)
	}
}

func TestRelevanceBeatsSpecialization(t *testing.T) {
	task := &mission.Task{
		ID:          "t1",
		Description: "translate documentation into english",
		Requires:    []string{"read_file"},
	}
	candidates := []*mission.Worker{
		worker("translator", "translate documentation between languages english chinese", "read_file", "write_file", "http_get"),
		worker("generic", "does miscellaneous chores", "read_file"),
	}

	w, err := Assign(task, candidates)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if w.ID != "translator" {
		t.Fatalf("expected translator, got %s", w.ID)
	}
}

func TestSpecializationBreaksScoreTie(t *testing.T) {
	task := &mission.Task{ID: "t1", Description: "inspect a file", Requires: []string{"read_file"}}
	candidates := []*mission.Worker{
		worker("broad", "worker", "read_file", "write_file", "run_command"),
		worker("narrow", "worker", "read_file"),
	}

	w, err := Assign(task, candidates)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if w.ID != "narrow" {
		t.Fatalf("expected specialist, got %s", w.ID)
	}
}

func TestIDBreaksFullTie(t *testing.T) {
	task := &mission.Task{ID: "t1", Description: "do a thing", Requires: []string{mission.TagGeneral}}
	candidates := []*mission.Worker{
		worker("zulu", "worker", "read_file"),
		worker("alpha", "worker", "read_file"),
	}

	w, err := Assign(task, candidates)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if w.ID != "alpha" {
		t.Fatalf("expected lexicographic tiebreak, got %s", w.ID)
	}
}

// Same task, same candidates in different input orders: the winner never changes.
func TestDeterministicAcrossRuns(t *testing.T) {
	task := &mission.Task{
		ID:          "t1",
		Description: "analyze the dataset and report anomalies",
		Requires:    []string{"read_file"},
	}
	a := worker("analyst", "analyze datasets report anomalies", "read_file", "write_file")
	b := worker("reporter", "report writing specialist", "read_file")
	c := worker("reader", "reads anything", "read_file")

	first, err := Assign(task, []*mission.Worker{a, b, c})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	orders := [][]*mission.Worker{
		{a, b, c}, {c, b, a}, {b, a, c}, {c, a, b},
	}
	for i := 0; i < 100; i++ {
		for _, order := range orders {
			w, err := Assign(task, order)
			if err != nil {
				t.Fatalf("assign: %v", err)
			}
			if w.ID != first.ID {
				t.Fatalf("nondeterministic winner: %s vs %s", w.ID, first.ID)
			}
		}
	}
}
