package catalog

// Entity names of the production catalog.
const (
	EntityOrganizations    = "organizations"
	EntityUserDirectory    = "user_directory"
	EntityUsers            = "users"
	EntityPerspectives     = "perspectives"
	EntityObjectives       = "objectives"
	EntityKPIs             = "kpis"
	EntityTasks            = "tasks"
	EntityPayroll          = "payroll"
	EntityPeople           = "people"
	EntityDesignations     = "designations"
	EntityStructuralLevels = "structural_levels"
	EntityCareerPaths      = "career_paths"
)

// User roles stored in users.user_role and user_directory.user_role.
const (
	RoleSuperAdmin = "superadmin"
	RoleEmployer   = "employer"
	RoleEmployee   = "employee"
)

// Column helpers keep the definitions below readable.

func idColumn() Column {
	return Column{Name: "id", Type: "UUID", PrimaryKey: true}
}

func timestampColumns() []Column {
	return []Column{
		{Name: "created_at", Type: "TIMESTAMPTZ", Default: "NOW()"},
		{Name: "updated_at", Type: "TIMESTAMPTZ", Default: "NOW()"},
	}
}

func text(name string) Column {
	return Column{Name: name, Type: "VARCHAR(255)"}
}

func secret(name string) Column {
	return Column{Name: name, Type: "VARCHAR(255)", Sensitive: true}
}

func optionalText(name string) Column {
	return Column{Name: name, Type: "VARCHAR(255)", Nullable: true}
}

func withBase(cols ...Column) []Column {
	out := append([]Column{idColumn()}, cols...)
	return append(out, timestampColumns()...)
}

// Default returns the production catalog.
func Default() *Catalog {
	return MustNew(
		organizationsEntity(),
		userDirectoryEntity(),
		usersEntity(),
		perspectivesEntity(),
		objectivesEntity(),
		kpisEntity(),
		tasksEntity(),
		payrollEntity(),
		peopleEntity(),
		designationsEntity(),
		structuralLevelsEntity(),
		careerPathsEntity(),
	)
}

func organizationsEntity() EntityDefinition {
	return EntityDefinition{
		Name:        EntityOrganizations,
		Scope:       ScopeGlobal,
		Description: "One row per tenant; id is also the tenant namespace name.",
		Columns: []Column{
			{Name: "id", Type: "VARCHAR(63)", PrimaryKey: true},
			text("name"),
			text("email"),
			optionalText("phone_number"),
			{Name: "owner_id", Type: "UUID", Nullable: true},
			{Name: "created_at", Type: "TIMESTAMPTZ", Default: "NOW()"},
			{Name: "updated_at", Type: "TIMESTAMPTZ", Default: "NOW()"},
		},
	}
}

func userDirectoryEntity() EntityDefinition {
	return EntityDefinition{
		Name:        EntityUserDirectory,
		Scope:       ScopeGlobal,
		Description: "Cross-tenant user directory used to find a user's tenant by e-mail.",
		Columns: withBase(
			Column{Name: "tenant_id", Type: "VARCHAR(63)"},
			Column{Name: "email", Type: "VARCHAR(255)", Unique: true},
			text("name"),
			secret("password_hash"),
			Column{Name: "user_role", Type: "VARCHAR(32)", Default: "'" + RoleEmployee + "'"},
			Column{Name: "is_active", Type: "BOOLEAN", Default: "TRUE"},
		),
		Indexes: []Index{
			{Columns: []string{"tenant_id"}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "tenant_id", RefEntity: EntityOrganizations, RefColumn: "id", OnDelete: OnDeleteCascade},
		},
	}
}

// usersEntity is the only tenant entity with an explicit tenant column; it
// back-references public.organizations so deleting the tenant deletes its users.
func usersEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityUsers,
		Scope: ScopeTenant,
		Columns: withBase(
			Column{Name: "tenant_id", Type: "VARCHAR(63)"},
			Column{Name: "email", Type: "VARCHAR(255)", Unique: true},
			text("name"),
			optionalText("phone_number"),
			secret("password_hash"),
			Column{Name: "user_role", Type: "VARCHAR(32)", Default: "'" + RoleEmployee + "'"},
			Column{Name: "is_active", Type: "BOOLEAN", Default: "TRUE"},
			optionalText("designation"),
		),
		Indexes: []Index{
			{Columns: []string{"user_role"}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "tenant_id", RefEntity: EntityOrganizations, RefColumn: "id", OnDelete: OnDeleteCascade},
		},
	}
}

func perspectivesEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityPerspectives,
		Scope: ScopeTenant,
		Columns: withBase(
			text("name"),
			text("created_by"),
		),
	}
}

func objectivesEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityObjectives,
		Scope: ScopeTenant,
		Columns: withBase(
			Column{Name: "perspective_id", Type: "UUID", Nullable: true},
			text("name"),
			text("corporate"),
			Column{Name: "routine_type", Type: "VARCHAR(32)"},
			Column{Name: "start_date", Type: "DATE"},
			Column{Name: "end_date", Type: "DATE", Nullable: true},
			Column{Name: "after_occurrence", Type: "INTEGER", Default: "0"},
			Column{Name: "status", Type: "VARCHAR(16)", Default: "'pending'"},
		),
		Indexes: []Index{
			{Columns: []string{"perspective_id"}},
			{Columns: []string{"status"}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "perspective_id", RefEntity: EntityPerspectives, RefColumn: "id", OnDelete: OnDeleteSetNull},
		},
	}
}

func kpisEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityKPIs,
		Scope: ScopeTenant,
		Columns: withBase(
			Column{Name: "objective_id", Type: "UUID", Nullable: true},
			text("name"),
			optionalText("upline_initiative"),
			text("created_by_email"),
			text("owner_email"),
			Column{Name: "routine_type", Type: "VARCHAR(32)"},
			Column{Name: "start_date", Type: "DATE"},
			Column{Name: "end_date", Type: "DATE", Nullable: true},
			Column{Name: "after_occurrence", Type: "INTEGER", Default: "0"},
		),
		Indexes: []Index{
			{Columns: []string{"objective_id"}},
			{Columns: []string{"owner_email"}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "objective_id", RefEntity: EntityObjectives, RefColumn: "id", OnDelete: OnDeleteCascade},
		},
	}
}

func tasksEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityTasks,
		Scope: ScopeTenant,
		Columns: withBase(
			Column{Name: "kpi_id", Type: "UUID", Nullable: true},
			text("name"),
			text("created_by"),
			Column{Name: "task_type", Type: "VARCHAR(32)"},
			Column{Name: "routine_type", Type: "VARCHAR(32)"},
			Column{Name: "start_date", Type: "DATE"},
			Column{Name: "start_time", Type: "TIME", Nullable: true},
			Column{Name: "duration_minutes", Type: "INTEGER", Nullable: true},
			Column{Name: "repeat_every", Type: "INTEGER", Nullable: true},
			Column{Name: "end_date", Type: "DATE", Nullable: true},
			Column{Name: "rework_limit", Type: "INTEGER", Default: "0"},
			Column{Name: "quality_target_point", Type: "NUMERIC(10,2)", Nullable: true},
			Column{Name: "quantity_target_point", Type: "NUMERIC(10,2)", Nullable: true},
			optionalText("quantity_target_unit"),
			Column{Name: "turnaround_time_target_point", Type: "NUMERIC(10,2)", Nullable: true},
			Column{Name: "status", Type: "VARCHAR(16)", Default: "'pending'"},
		),
		Indexes: []Index{
			{Columns: []string{"kpi_id"}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "kpi_id", RefEntity: EntityKPIs, RefColumn: "id", OnDelete: OnDeleteCascade},
		},
	}
}

func payrollEntity() EntityDefinition {
	money := func(name string) Column {
		return Column{Name: name, Type: "NUMERIC(14,2)", Default: "0"}
	}
	percent := func(name string) Column {
		return Column{Name: name, Type: "NUMERIC(5,2)", Default: "0"}
	}
	return EntityDefinition{
		Name:  EntityPayroll,
		Scope: ScopeTenant,
		Columns: withBase(
			text("grade_level"),
			text("structure_type"),
			money("rate"),
			Column{Name: "number_of_work", Type: "INTEGER", Default: "0"},
			money("gross_money"),
			optionalText("other_receivables_element"),
			percent("other_receivables_gross_percent"),
			optionalText("fixed_receivables_element"),
			percent("fixed_receivables_gross_percent"),
			optionalText("regulatory_receivables"),
			percent("regulatory_rates"),
			percent("regulatory_receivables_gross_percent"),
			optionalText("regulatory_deductables"),
			percent("regulatory_deductables_gross_percent"),
			optionalText("other_deductables"),
			percent("other_deductables_gross_percent"),
		),
		Indexes: []Index{
			{Columns: []string{"grade_level"}},
		},
	}
}

func peopleEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityPeople,
		Scope: ScopeTenant,
		Columns: withBase(
			Column{Name: "user_id", Type: "UUID", Nullable: true},
			text("first_name"),
			text("last_name"),
			optionalText("phone_number"),
			text("official_email"),
			optionalText("personal_phone_number"),
			optionalText("personal_email"),
			optionalText("address"),
			Column{Name: "date_of_birth", Type: "DATE", Nullable: true},
			optionalText("education_institution"),
			optionalText("education_years"),
			optionalText("education_qualification"),
			optionalText("designation"),
			optionalText("role"),
			Column{Name: "description", Type: "TEXT", Nullable: true},
		),
		Indexes: []Index{
			{Columns: []string{"official_email"}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "user_id", RefEntity: EntityUsers, RefColumn: "id", OnDelete: OnDeleteSetNull},
		},
	}
}

func designationsEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityDesignations,
		Scope: ScopeTenant,
		Columns: withBase(
			text("name"),
			text("corporate"),
			optionalText("division"),
			optionalText("group_name"),
			optionalText("department"),
			optionalText("unit"),
		),
	}
}

// structuralLevelsEntity places a level of the org chart under its corporate,
// division, group, department and unit.
func structuralLevelsEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityStructuralLevels,
		Scope: ScopeTenant,
		Columns: withBase(
			text("name"),
			text("current_level"),
			text("corporate"),
			text("division"),
			text("group_name"),
			text("department"),
			text("unit"),
		),
		Indexes: []Index{
			{Columns: []string{"current_level"}},
		},
	}
}

func careerPathsEntity() EntityDefinition {
	return EntityDefinition{
		Name:  EntityCareerPaths,
		Scope: ScopeTenant,
		Columns: withBase(
			text("name"),
			text("level"),
			optionalText("educational_qualification"),
			Column{Name: "years_of_experience", Type: "INTEGER", Nullable: true},
			Column{Name: "min_age", Type: "INTEGER", Nullable: true},
			Column{Name: "max_age", Type: "INTEGER", Nullable: true},
			Column{Name: "position_lifespan", Type: "INTEGER", Nullable: true},
			Column{Name: "slots_available", Type: "INTEGER", Default: "0"},
			Column{Name: "annual_package", Type: "NUMERIC(14,2)", Nullable: true},
		),
	}
}
