package store

import "taskboard/domain"

// State is everything the presentation layer renders from.
type State struct {
	Tasks   []domain.Task
	Loading bool
	// Err is the most recent unacknowledged failure.
	Err error
}

func (s State) clone() State {
	s.Tasks = domain.CloneTasks(s.Tasks)
	return s
}

type ActionKind int

const (
	ActionLoad ActionKind = iota + 1
	ActionCreate
	ActionUpdate
	ActionRemove
	ActionReorder
	ActionAddSubtask
	ActionUpdateSubtask
	ActionRemoveSubtask
	ActionClearError
)

func (k ActionKind) String() string {
	switch k {
	case ActionLoad:
		return "load"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionRemove:
		return "remove"
	case ActionReorder:
		return "reorder"
	case ActionAddSubtask:
		return "add-subtask"
	case ActionUpdateSubtask:
		return "update-subtask"
	case ActionRemoveSubtask:
		return "remove-subtask"
	case ActionClearError:
		return "clear-error"
	}
	return "unknown"
}

// Outcome is the phase of an action: applied optimistically, confirmed by the
// server, failed, or absorbed by the fallback backend.
type Outcome int

const (
	Pending Outcome = iota
	Confirmed
	Failed
	Fallback
)

// Action describes one step of a store operation. Which fields matter depends
// on Kind and Outcome; see Transition.
type Action struct {
	Kind ActionKind
	// TaskID is the target task. For create it is the temporary id.
	TaskID string
	// Task is the provisional, optimistic, confirmed or fallback version, or the
	// removed task on a failed remove.
	Task domain.Task
	// Previous is the version to restore when an update fails.
	Previous *domain.Task
	// Index is where a removed task sat before it was removed.
	Index int
	// Tasks is the loaded collection or the new ordering.
	Tasks []domain.Task
	// PreviousTasks is the ordering to restore when a reorder fails.
	PreviousTasks []domain.Task
	Subtask       domain.Subtask
	SubtaskID     string
	Err           error
}

// Transition computes the next state. It never mutates s.
func Transition(s State, a Action, o Outcome) State {
	next := s.clone()
	switch a.Kind {
	case ActionLoad:
		switch o {
		case Pending:
			next.Loading = true
		case Confirmed:
			next.Tasks = domain.CloneTasks(a.Tasks)
			next.Loading = false
			next.Err = nil
		case Failed, Fallback:
			next.Tasks = domain.CloneTasks(a.Tasks)
			if next.Tasks == nil {
				next.Tasks = []domain.Task{}
			}
			next.Loading = false
			next.Err = a.Err
		}

	case ActionCreate:
		switch o {
		case Pending:
			next.Tasks = append([]domain.Task{a.Task.Clone()}, next.Tasks...)
		case Confirmed, Fallback:
			next.Tasks = replaceTask(next.Tasks, a.TaskID, a.Task)
		case Failed:
			next.Tasks = removeTask(next.Tasks, a.TaskID)
			next.Err = a.Err
		}

	case ActionUpdate:
		switch o {
		case Pending, Confirmed:
			next.Tasks = replaceTask(next.Tasks, a.TaskID, a.Task)
		case Fallback:
			// the optimistic version stays
		case Failed:
			if a.Previous != nil {
				next.Tasks = replaceTask(next.Tasks, a.TaskID, *a.Previous)
			}
			next.Err = a.Err
		}

	case ActionRemove:
		switch o {
		case Pending:
			next.Tasks = removeTask(next.Tasks, a.TaskID)
		case Failed:
			if domain.IndexOf(next.Tasks, a.Task.ID) < 0 {
				next.Tasks = insertTask(next.Tasks, a.Index, a.Task)
			}
			next.Err = a.Err
		}

	case ActionReorder:
		switch o {
		case Pending, Confirmed:
			next.Tasks = domain.CloneTasks(a.Tasks)
		case Failed:
			next.Tasks = domain.CloneTasks(a.PreviousTasks)
			next.Err = a.Err
		}

	case ActionAddSubtask:
		if o == Confirmed {
			next.Tasks = mutateTask(next.Tasks, a.TaskID, func(t *domain.Task) {
				st := a.Subtask
				st.TaskID = t.ID
				t.Subtasks = append(t.Subtasks, st)
			})
		}

	case ActionUpdateSubtask:
		if o == Confirmed {
			next.Tasks = mutateTask(next.Tasks, a.TaskID, func(t *domain.Task) {
				if i := t.SubtaskIndex(a.Subtask.ID); i >= 0 {
					st := a.Subtask
					st.TaskID = t.ID
					t.Subtasks[i] = st
				}
			})
		}

	case ActionRemoveSubtask:
		if o == Confirmed {
			next.Tasks = mutateTask(next.Tasks, a.TaskID, func(t *domain.Task) {
				if i := t.SubtaskIndex(a.SubtaskID); i >= 0 {
					t.Subtasks = append(t.Subtasks[:i:i], t.Subtasks[i+1:]...)
				}
			})
		}

	case ActionClearError:
		next.Err = nil
	}
	return next
}

func replaceTask(tasks []domain.Task, id string, t domain.Task) []domain.Task {
	if i := domain.IndexOf(tasks, id); i >= 0 {
		tasks[i] = t.Clone()
	}
	return tasks
}

func removeTask(tasks []domain.Task, id string) []domain.Task {
	i := domain.IndexOf(tasks, id)
	if i < 0 {
		return tasks
	}
	return append(tasks[:i:i], tasks[i+1:]...)
}

func insertTask(tasks []domain.Task, at int, t domain.Task) []domain.Task {
	if at < 0 {
		at = 0
	}
	if at > len(tasks) {
		at = len(tasks)
	}
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:at]...)
	out = append(out, t.Clone())
	return append(out, tasks[at:]...)
}

func mutateTask(tasks []domain.Task, id string, fn func(*domain.Task)) []domain.Task {
	if i := domain.IndexOf(tasks, id); i >= 0 {
		fn(&tasks[i])
	}
	return tasks
}
