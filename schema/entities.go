package schema

func str(name string, size int) Column {
	return Column{Name: name, Type: String, Size: size, Nullable: true}
}

func text(name string) Column { return Column{Name: name, Type: Text, Nullable: true} }

func integer(name string) Column { return Column{Name: name, Type: Integer, Nullable: true} }

func float(name string) Column { return Column{Name: name, Type: Float, Nullable: true} }

func datetime(name string) Column { return Column{Name: name, Type: DateTime, Nullable: true} }

func boolean(name string, def bool) Column {
	c := Column{Name: name, Type: Boolean, Nullable: true, Default: "FALSE"}
	if def {
		c.Default = "TRUE"
	}
	return c
}

func fk(name, table string) Column {
	return Column{Name: name, Type: Integer, Nullable: true, References: table}
}

func created() Column {
	return Column{Name: "created_date", Type: DateTime, Nullable: true, Default: "CURRENT_TIMESTAMP"}
}

// ownedBy is the patient foreign key every visit and dependent row carries.
func ownedBy() Column {
	return Column{Name: "patient_id", Type: Integer, References: "patients"}
}

func unique(c Column) Column {
	c.Unique = true
	return c
}

func required(c Column) Column {
	c.Required = true
	return c
}

func atLeast(c Column, lo float64) Column {
	c.Min = &lo
	return c
}

func between(c Column, lo, hi float64) Column {
	c.Min, c.Max = &lo, &hi
	return c
}

var (
	patients = &Entity{
		Section: Patient,
		Table:   "patients",
		Columns: []Column{
			unique(str("medical_record_number", 50)),
			created(),
			datetime("updated_date"),
		},
		NaturalKey: []string{"medical_record_number"},
	}

	departments = &Entity{
		Section: Department,
		Table:   "departments",
		Columns: []Column{
			str("department_name", 100),
			str("department_type", 50),
			str("system_name", 100),
			created(),
		},
		NaturalKey: []string{"department_name", "department_type", "system_name"},
	}

	providers = &Entity{
		Section: Provider,
		Table:   "providers",
		Columns: []Column{
			str("provider_name", 100),
			str("npi_number", 20),
			str("specialty", 100),
			fk("department_id", "departments"),
			boolean("active_status", true),
			created(),
		},
		NaturalKey: []string{"provider_name", "npi_number", "specialty", "department_id", "active_status"},
	}

	visits = &Entity{
		Section: Visit,
		Table:   "visits",
		Columns: []Column{
			ownedBy(),
			str("visit_date", 20),
			str("visit_type", 50),
			fk("primary_provider_id", "providers"),
			fk("department_id", "departments"),
			datetime("discharge_date"),
			created(),
		},
	}

	visitNotes = &Entity{
		Section: VisitNotes,
		Table:   "visit_notes",
		Columns: []Column{
			fk("visit_id", "visits"),
			ownedBy(),
			str("note_date", 20),
			str("note_type", 50),
			text("full_note_text"),
			text("chief_complaint"),
			text("history_present_illness"),
			text("review_of_systems"),
			text("physical_exam"),
			text("assessment"),
			text("plan"),
			fk("author_provider_id", "providers"),
			between(float("extraction_confidence"), 0, 1),
			str("extraction_method", 50),
			str("extraction_timestamp", 50),
			created(),
		},
	}

	diagnoses = &Entity{
		Section: Diagnosis,
		Table:   "diagnoses",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("diagnosis_name", 100)),
			str("icd10_code", 20),
			str("onset_date", 20),
			str("resolution_date", 20),
			boolean("is_chronic", false),
			boolean("is_active", true),
			str("severity", 50),
			fk("diagnosing_provider_id", "providers"),
			str("diagnosis_source", 50),
			str("diagnosis_context", 100),
			between(float("confidence_score"), 0, 1),
			str("updated_date", 20),
			created(),
		},
	}

	symptoms = &Entity{
		Section: Symptom,
		Table:   "symptoms",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("symptom_name", 100)),
			str("onset_date", 20),
			str("duration", 50),
			str("frequency", 50),
			str("severity", 50),
			text("symptom_description"),
			text("alleviating_factors"),
			text("aggravating_factors"),
			str("reported_date", 20),
			str("resolution_date", 20),
			created(),
		},
	}

	medications = &Entity{
		Section: Medication,
		Table:   "medications",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("medication_name", 100)),
			str("generic_name", 100),
			str("rxnorm_code", 50),
			str("dose", 50),
			str("dose_unit", 20),
			str("frequency", 50),
			str("route", 50),
			str("start_date", 20),
			str("end_date", 20),
			text("discontinuation_reason"),
			boolean("is_active", true),
			boolean("is_prn", false),
			fk("prescribing_provider_id", "providers"),
			text("sig_text"),
			text("patient_instructions"),
			str("updated_date", 20),
			created(),
		},
	}

	vitalSigns = &Entity{
		Section: VitalSigns,
		Table:   "vital_signs",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("measurement_datetime", 20)),
			atLeast(float("weight_kg"), 0),
			atLeast(float("height_cm"), 0),
			atLeast(float("bmi"), 0),
			atLeast(integer("pulse_bpm"), 0),
			atLeast(integer("blood_pressure_systolic"), 0),
			atLeast(integer("blood_pressure_diastolic"), 0),
			atLeast(float("temperature_celsius"), 0),
			atLeast(integer("respiratory_rate"), 0),
			between(integer("oxygen_saturation_percent"), 0, 100),
			between(integer("pain_scale"), 0, 10),
			text("additional_vitals"),
			str("measurement_context", 50),
			fk("measured_by_id", "providers"),
			created(),
		},
	}

	labResults = &Entity{
		Section: LabResult,
		Table:   "lab_results",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("lab_name", 100)),
			required(str("test_name", 100)),
			str("loinc_code", 50),
			required(str("result_value", 100)),
			float("result_numeric"),
			str("unit_of_measurement", 50),
			float("reference_range_low"),
			float("reference_range_high"),
			str("reference_range_text", 100),
			boolean("abnormality_flag", false),
			str("abnormality_type", 50),
			str("collection_datetime", 20),
			str("result_datetime", 20),
			fk("ordering_provider_id", "providers"),
			str("result_status", 50),
			str("clinical_significance", 100),
			created(),
		},
	}

	imagingStudies = &Entity{
		Section: ImagingStudy,
		Table:   "imaging_studies",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("imaging_type", 50)),
			str("modality", 50),
			str("body_region", 100),
			required(str("study_datetime", 20)),
			fk("ordering_provider_id", "providers"),
			fk("radiologist_id", "providers"),
			text("indication"),
			text("technique"),
			text("comparison"),
			text("findings"),
			text("impression"),
			text("key_findings"),
			str("report_status", 50),
			boolean("critical_findings", false),
			created(),
		},
	}

	procedureTreatments = &Entity{
		Section: ProcedureTreatment,
		Table:   "procedure_treatments",
		Columns: []Column{
			ownedBy(),
			fk("visit_id", "visits"),
			required(str("procedure_name", 100)),
			str("procedure_type", 50),
			str("cpt_code", 50),
			required(str("procedure_date", 20)),
			atLeast(integer("duration_minutes"), 0),
			text("outcome"),
			text("outcome_details"),
			text("complications"),
			fk("primary_provider_id", "providers"),
			str("therapy_type", 50),
			atLeast(integer("sessions_completed"), 0),
			atLeast(integer("sessions_planned"), 0),
			created(),
		},
	}
)

// all is in foreign-key dependency order: a table only references tables
// listed before it.
var all = []*Entity{
	patients, departments, providers, visits,
	visitNotes, diagnoses, symptoms, medications,
	vitalSigns, labResults, imagingStudies, procedureTreatments,
}

var bySection = func() map[Section]*Entity {
	m := make(map[Section]*Entity, len(all))
	for _, e := range all {
		m[e.Section] = e
	}
	return m
}()

var references = []Reference{
	{Section: Visit, Path: []string{"primary_provider"}, Kind: Provider},
	{Section: Visit, Path: []string{"department"}, Kind: Department},
	{Section: Visit, Path: []string{"visit_notes", "author_provider"}, Kind: Provider},
	{Section: VisitNotes, Path: []string{"author_provider"}, Kind: Provider},
	{Section: Diagnosis, Path: []string{"diagnosing_provider"}, Kind: Provider},
	{Section: Medication, Path: []string{"prescribing_provider"}, Kind: Provider},
	{Section: VitalSigns, Path: []string{"measured_by"}, Kind: Provider},
	{Section: LabResult, Path: []string{"ordering_provider"}, Kind: Provider},
	{Section: ImagingStudy, Path: []string{"ordering_provider"}, Kind: Provider},
	{Section: ImagingStudy, Path: []string{"radiologist"}, Kind: Provider},
	{Section: ProcedureTreatment, Path: []string{"primary_provider"}, Kind: Provider},
}
