package operator

import "github.com/synqx/synqx/internal/errdefs"

func init() {
	Register("dbt", newDBT)
}

// newDBT rejects dbt steps at compile time. The class is reserved for
// pipelines that delegate transformation to an external dbt project;
// this build carries no dbt runtime, so failing construction beats
// silently passing rows through.
func newDBT(map[string]any) (Operator, error) {
	return nil, errdefs.New(errdefs.KindConfiguration, "dbt operator is not supported in this build")
}
